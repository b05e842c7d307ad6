// Package exposure resolves how long each science frame should be.
package exposure

import (
	"strings"
	"time"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/model"
)

// FallbackSeconds is used when nothing else determines the exposure.
const FallbackSeconds = 120.0

// Source names the rule that produced a Plan.
type Source string

const (
	SourceOverride  Source = "override"
	SourceFixed     Source = "fixed"
	SourceMagnitude Source = "magnitude"
	SourceFallback  Source = "fallback"
)

// Plan is a resolved exposure.
type Plan struct {
	Seconds float64
	Source  Source
}

// Duration returns the exposure as a time.Duration.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.Seconds * float64(time.Second))
}

// filterNames maps single-letter filter codes to the names used in
// filter_scaling.
var filterNames = map[string]string{
	"C": "Clear",
	"B": "B",
	"G": "V",
	"R": "R",
	"L": "Lum",
	"I": "I",
	"H": "Ha",
}

// FilterName expands a filter code. Unknown codes are returned unchanged and
// an empty code means Clear.
func FilterName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "Clear"
	}
	if name, ok := filterNames[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}

// Resolve picks the exposure for target. The first present value wins:
// override (> 0), the mode's fixed exposure, the magnitude-derived value, the
// fallback constant. Resolve is pure.
func Resolve(target model.Target, filter string, override float64, mode model.Mode, cfg config.Exposures) Plan {
	if override > 0 {
		return Plan{Seconds: override, Source: SourceOverride}
	}
	if fixed, ok := cfg.FixedFor(mode); ok {
		return Plan{Seconds: fixed, Source: SourceFixed}
	}
	if target.Magnitude != nil {
		base := baseForMagnitude(*target.Magnitude, cfg)
		secs := clamp(base*cfg.ScaleFor(FilterName(filter)), cfg.MinSeconds, cfg.MaxSeconds)
		return Plan{Seconds: secs, Source: SourceMagnitude}
	}
	return Plan{Seconds: FallbackSeconds, Source: SourceFallback}
}

func baseForMagnitude(mag float64, cfg config.Exposures) float64 {
	for _, r := range cfg.MagnitudeRanges {
		if r.Min <= mag && mag < r.Max {
			return r.Seconds
		}
	}
	return cfg.DefaultSeconds
}

func clamp(v, lo, hi float64) float64 {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
