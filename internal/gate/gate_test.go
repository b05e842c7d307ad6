package gate

import (
	"testing"
	"time"

	"github.com/signalsfoundry/autoscope/core"
	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/model"
)

func testGate() *Gate {
	return New(config.Observatory{
		LatitudeDeg:         40,
		LongitudeDeg:        0,
		MinAltitudeDeg:      30,
		TwilightAltitudeDeg: -12,
	})
}

func TestClassifyBoundariesAreInclusive(t *testing.T) {
	g := testGate()
	cases := []struct {
		name   string
		alt    float64
		sun    float64
		ignore bool
		want   Result
	}{
		{"altitude exactly at limit", 30.0, -20, false, Observable},
		{"sun exactly at threshold", 45, -12.0, false, Observable},
		{"both exactly at limits", 30.0, -12.0, false, Observable},
		{"just below altitude", 29.999, -20, false, Unobservable},
		{"just above sun threshold", 45, -11.999, false, Waiting},
		{"low and bright", 10, 20, false, Unobservable},
		{"ignore twilight bypasses sun", 31, 5, true, Observable},
		{"ignore twilight keeps altitude", 29, 5, true, Unobservable},
	}
	for _, tc := range cases {
		if got := g.Classify(tc.alt, tc.sun, tc.ignore); got != tc.want {
			t.Fatalf("%s: Classify(%v, %v, %v) = %v, want %v", tc.name, tc.alt, tc.sun, tc.ignore, got, tc.want)
		}
	}
}

func TestClassifyReturnsExactlyOneResult(t *testing.T) {
	g := testGate()
	for alt := -90.0; alt <= 90; alt += 7.5 {
		for sun := -90.0; sun <= 90; sun += 7.5 {
			for _, ignore := range []bool{false, true} {
				r := g.Classify(alt, sun, ignore)
				switch r {
				case Observable, Waiting, Unobservable:
				default:
					t.Fatalf("Classify(%v, %v, %v) = %v, not a defined result", alt, sun, ignore, r)
				}
				wantObservable := alt >= 30 && (ignore || sun <= -12)
				if (r == Observable) != wantObservable {
					t.Fatalf("Classify(%v, %v, %v) = %v, observable want %v", alt, sun, ignore, r, wantObservable)
				}
			}
		}
	}
}

// transitTarget returns a target crossing the meridian of a 40°N, 0°E site
// at t with the requested altitude.
func transitTarget(t time.Time, altitude float64) model.Target {
	return model.Target{
		ID:     "test",
		RADeg:  core.LocalSiderealDegrees(t, 0),
		DecDeg: altitude - 50, // transit altitude = 90 - |lat - dec|
	}
}

func TestEvaluateNightTransit(t *testing.T) {
	g := testGate()
	night := time.Date(2025, time.December, 21, 0, 0, 0, 0, time.UTC)

	v := g.Evaluate(transitTarget(night, 60), night, false)
	if v.Result != Observable {
		t.Fatalf("Result = %v, want observable (alt %.2f sun %.2f)", v.Result, v.Altitude, v.SunAltitude)
	}
	if v.Airmass < 1.1 || v.Airmass > 1.2 {
		t.Fatalf("Airmass = %.3f, want about 1.155", v.Airmass)
	}
	if len(v.Reasons) != 0 {
		t.Fatalf("Reasons = %v, want none", v.Reasons)
	}

	low := g.Evaluate(transitTarget(night, 20), night, false)
	if low.Result != Unobservable || len(low.Reasons) == 0 {
		t.Fatalf("low target verdict = %+v, want unobservable with reason", low)
	}
}

func TestEvaluateDaytime(t *testing.T) {
	g := testGate()
	noon := time.Date(2025, time.June, 21, 12, 0, 0, 0, time.UTC)
	target := transitTarget(noon, 70)

	if v := g.Evaluate(target, noon, false); v.Result != Waiting {
		t.Fatalf("daytime Result = %v, want waiting (sun %.1f)", v.Result, v.SunAltitude)
	}
	if v := g.Evaluate(target, noon, true); v.Result != Observable {
		t.Fatalf("daytime ignore-twilight Result = %v, want observable", v.Result)
	}
}

func TestSunReady(t *testing.T) {
	g := testGate()
	noon := time.Date(2025, time.June, 21, 12, 0, 0, 0, time.UTC)
	if ok, _ := g.SunReady(noon, false); ok {
		t.Fatalf("SunReady(noon) = true, want false")
	}
	if ok, _ := g.SunReady(noon, true); !ok {
		t.Fatalf("SunReady(noon, ignore) = false, want true")
	}
	midnight := time.Date(2025, time.December, 21, 0, 0, 0, 0, time.UTC)
	if ok, sun := g.SunReady(midnight, false); !ok {
		t.Fatalf("SunReady(midnight) = false (sun %.1f), want true", sun)
	}
}
