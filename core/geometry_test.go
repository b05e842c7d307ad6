package core

import (
	"math"
	"testing"
)

func TestElevationDegrees(t *testing.T) {
	zenith := Vec3{X: 1}
	tests := []struct {
		name string
		dir  Vec3
		want float64
	}{
		{"overhead", Vec3{X: 5}, 90},
		{"horizon", Vec3{Y: 1}, 0},
		{"halfway", Vec3{X: 1, Y: 1}, 45},
		{"nadir", Vec3{X: -1}, -90},
		{"zero direction", Vec3{}, 90},
	}
	for _, tc := range tests {
		if got := ElevationDegrees(zenith, tc.dir); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: ElevationDegrees = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAzimuthDegreesAtOrigin(t *testing.T) {
	tests := []struct {
		name string
		dir  Vec3
		want float64
	}{
		{"north", Vec3{Z: 1}, 0},
		{"east", Vec3{Y: 1}, 90},
		{"south", Vec3{Z: -1}, 180},
		{"west", Vec3{Y: -1}, 270},
	}
	for _, tc := range tests {
		if got := AzimuthDegrees(0, 0, tc.dir); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: AzimuthDegrees = %v, want %v", tc.name, got, tc.want)
		}
	}
}
