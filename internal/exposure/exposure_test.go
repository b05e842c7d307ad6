package exposure

import (
	"testing"
	"time"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/model"
)

func testExposures() config.Exposures {
	return config.Exposures{
		Fixed:          map[string]float64{"spectroscopy": 240},
		DefaultSeconds: 5,
		MagnitudeRanges: []config.MagnitudeRange{
			{Min: 8, Max: 10, Seconds: 5},
			{Min: 10, Max: 12, Seconds: 15},
		},
		FilterScaling: map[string]float64{"clear": 1, "v": 1.5, "ha": 6},
		MinSeconds:    1,
		MaxSeconds:    300,
	}
}

func TestOverrideAlwaysWins(t *testing.T) {
	cfg := testExposures()
	withMag := model.Target{ID: "a", Magnitude: model.Magnitude(11)}
	withoutMag := model.Target{ID: "b"}

	for _, mode := range []model.Mode{model.ModePhotometry, model.ModeSpectroscopy, model.ModeSingleImage} {
		for _, target := range []model.Target{withMag, withoutMag} {
			plan := Resolve(target, "G", 42, mode, cfg)
			if plan.Seconds != 42 || plan.Source != SourceOverride {
				t.Fatalf("Resolve(%s, mag=%v) = %+v, want override 42", mode, target.HasMagnitude(), plan)
			}
		}
	}
}

func TestPriorityChain(t *testing.T) {
	cfg := testExposures()
	cases := []struct {
		name   string
		target model.Target
		filter string
		mode   model.Mode
		want   Plan
	}{
		{"fixed beats magnitude", model.Target{Magnitude: model.Magnitude(11)}, "C", model.ModeSpectroscopy, Plan{240, SourceFixed}},
		{"magnitude with clear", model.Target{Magnitude: model.Magnitude(11)}, "C", model.ModePhotometry, Plan{15, SourceMagnitude}},
		{"magnitude with V scaling", model.Target{Magnitude: model.Magnitude(9)}, "G", model.ModePhotometry, Plan{7.5, SourceMagnitude}},
		{"magnitude clamped to max", model.Target{Magnitude: model.Magnitude(11)}, "H", model.ModePhotometry, Plan{90, SourceMagnitude}},
		{"magnitude outside ranges uses default", model.Target{Magnitude: model.Magnitude(3)}, "C", model.ModePhotometry, Plan{5, SourceMagnitude}},
		{"fallback", model.Target{}, "C", model.ModePhotometry, Plan{FallbackSeconds, SourceFallback}},
	}
	for _, tc := range cases {
		if got := Resolve(tc.target, tc.filter, 0, tc.mode, cfg); got != tc.want {
			t.Fatalf("%s: Resolve = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestClampToBounds(t *testing.T) {
	cfg := testExposures()
	cfg.MaxSeconds = 60
	got := Resolve(model.Target{Magnitude: model.Magnitude(11)}, "H", 0, model.ModePhotometry, cfg)
	if got.Seconds != 60 {
		t.Fatalf("Resolve clamped = %v, want 60", got.Seconds)
	}
}

func TestResolveIsPure(t *testing.T) {
	cfg := testExposures()
	target := model.Target{Magnitude: model.Magnitude(9.5)}
	first := Resolve(target, "G", 0, model.ModePhotometry, cfg)
	for i := 0; i < 10; i++ {
		if got := Resolve(target, "G", 0, model.ModePhotometry, cfg); got != first {
			t.Fatalf("Resolve call %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestFilterName(t *testing.T) {
	cases := map[string]string{"": "Clear", "c": "Clear", "G": "V", "h": "Ha", "Sloan-r": "Sloan-r"}
	for in, want := range cases {
		if got := FilterName(in); got != want {
			t.Fatalf("FilterName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlanDuration(t *testing.T) {
	if got := (Plan{Seconds: 2.5}).Duration(); got != 2500*time.Millisecond {
		t.Fatalf("Duration() = %v, want 2.5s", got)
	}
}
