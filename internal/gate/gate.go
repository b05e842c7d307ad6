// Package gate decides whether a target may be observed right now.
package gate

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/autoscope/core"
	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/model"
)

// Result is the outcome of an observability check. Every (altitude, sun
// altitude, ignoreTwilight) triple maps to exactly one Result.
type Result int

const (
	// Observable: target high enough and sky dark enough (or twilight ignored).
	Observable Result = iota
	// Waiting: target high enough but the Sun is above the twilight limit.
	Waiting
	// Unobservable: target below the altitude limit.
	Unobservable
)

func (r Result) String() string {
	switch r {
	case Observable:
		return "observable"
	case Waiting:
		return "waiting"
	case Unobservable:
		return "unobservable"
	default:
		return "unknown"
	}
}

// Verdict is a Result plus the geometry it was derived from.
type Verdict struct {
	Result      Result
	At          time.Time
	Altitude    float64
	Azimuth     float64
	SunAltitude float64
	SunAzimuth  float64
	Airmass     float64 // zero when the target is too low for the estimate
	Reasons     []string
}

// Observable reports whether the verdict permits imaging.
func (v Verdict) Observable() bool { return v.Result == Observable }

// Gate evaluates observability for one observatory.
type Gate struct {
	site        core.Site
	minAltitude float64
	twilight    float64
}

// New builds a Gate from the observatory configuration.
func New(obs config.Observatory) *Gate {
	return &Gate{
		site: core.Site{
			LatitudeDeg:  obs.LatitudeDeg,
			LongitudeDeg: obs.LongitudeDeg,
			ElevationM:   obs.ElevationM,
		},
		minAltitude: obs.MinAltitudeDeg,
		twilight:    obs.TwilightAltitudeDeg,
	}
}

// MinAltitude returns the configured altitude limit in degrees.
func (g *Gate) MinAltitude() float64 { return g.minAltitude }

// TwilightAltitude returns the configured Sun altitude limit in degrees.
func (g *Gate) TwilightAltitude() float64 { return g.twilight }

// Classify is the pure decision rule. Both limits are inclusive: altitude
// exactly at the minimum and Sun exactly at the twilight limit are eligible.
func (g *Gate) Classify(altitude, sunAltitude float64, ignoreTwilight bool) Result {
	if altitude < g.minAltitude {
		return Unobservable
	}
	if !ignoreTwilight && sunAltitude > g.twilight {
		return Waiting
	}
	return Observable
}

// Evaluate computes target and Sun positions at now and classifies them.
func (g *Gate) Evaluate(target model.Target, now time.Time, ignoreTwilight bool) Verdict {
	pos := g.site.Horizontal(target.RADeg, target.DecDeg, now)
	sun := g.site.Sun(now)

	v := Verdict{
		Result:      g.Classify(pos.Alt, sun.Alt, ignoreTwilight),
		At:          now,
		Altitude:    pos.Alt,
		Azimuth:     pos.Az,
		SunAltitude: sun.Alt,
		SunAzimuth:  sun.Az,
	}
	if am, ok := core.Airmass(pos.Alt); ok {
		v.Airmass = am
	}

	if pos.Alt < g.minAltitude {
		v.Reasons = append(v.Reasons, fmt.Sprintf("altitude %.1f° below limit %.1f°", pos.Alt, g.minAltitude))
	}
	if sun.Alt > g.twilight {
		if ignoreTwilight {
			v.Reasons = append(v.Reasons, fmt.Sprintf("sun altitude %.1f° above %.1f° (ignored)", sun.Alt, g.twilight))
		} else {
			v.Reasons = append(v.Reasons, fmt.Sprintf("sun altitude %.1f° above limit %.1f°", sun.Alt, g.twilight))
		}
	}
	return v
}

// SunReady reports whether the Sun permits observing at now, independent of
// any target. It also returns the Sun altitude.
func (g *Gate) SunReady(now time.Time, ignoreTwilight bool) (bool, float64) {
	sun := g.site.Sun(now)
	return ignoreTwilight || sun.Alt <= g.twilight, sun.Alt
}
