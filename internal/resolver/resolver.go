// Package resolver turns user input (a TIC identifier or literal
// coordinates) into an immutable model.Target.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/model"
)

// ErrResolution marks input that cannot be turned into a target. No device
// has been touched when it is returned.
var ErrResolution = errors.New("target resolution failed")

// ResolutionError carries the offending input.
type ResolutionError struct {
	Input  string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Input, e.Reason)
}

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

func resolutionErr(input, format string, args ...any) error {
	return &ResolutionError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// Magnitudes configures how a catalog entry's magnitude is chosen.
type Magnitudes struct {
	Default           float64
	TmagToGmagOffset  float64
	UseTmagConversion bool
}

// DefaultMagnitudes returns the fallback ladder used when none is configured.
func DefaultMagnitudes() Magnitudes {
	return Magnitudes{Default: 12.5, TmagToGmagOffset: 0.4, UseTmagConversion: true}
}

// Resolver resolves TIC identifiers through a Catalog and parses literal
// coordinates.
type Resolver struct {
	catalog Catalog
	mags    Magnitudes
	log     logging.Logger
}

// New builds a Resolver. A nil catalog makes every TIC lookup fail.
func New(catalog Catalog, mags Magnitudes, log logging.Logger) *Resolver {
	if log == nil {
		log = logging.Noop()
	}
	return &Resolver{catalog: catalog, mags: mags, log: log}
}

// ResolveTIC looks up a TIC identifier. Accepted spellings include
// "TIC 12345", "TIC-12345" and "12345".
func (r *Resolver) ResolveTIC(ctx context.Context, input string) (model.Target, error) {
	id, err := CleanTIC(input)
	if err != nil {
		return model.Target{}, err
	}
	if r.catalog == nil {
		return model.Target{}, resolutionErr(input, "no catalog configured")
	}
	entry, err := r.catalog.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, ErrResolution) {
			return model.Target{}, err
		}
		return model.Target{}, &ResolutionError{Input: input, Reason: err.Error()}
	}
	if !validRADec(entry.RADeg, entry.DecDeg) {
		return model.Target{}, resolutionErr(input, "catalog coordinates out of range (ra=%v dec=%v)", entry.RADeg, entry.DecDeg)
	}

	mag, source := r.magnitudeFor(entry)
	t := model.Target{
		ID:         "TIC-" + id,
		RADeg:      entry.RADeg,
		DecDeg:     entry.DecDeg,
		Magnitude:  model.Magnitude(mag),
		Provenance: model.ProvenanceCatalog,
	}
	r.log.Info(ctx, "target resolved",
		logging.String("target_id", t.ID),
		logging.Float("ra_deg", t.RADeg),
		logging.Float("dec_deg", t.DecDeg),
		logging.Float("magnitude", mag),
		logging.String("magnitude_source", source),
	)
	return t, nil
}

func (r *Resolver) magnitudeFor(e Entry) (float64, string) {
	if e.GaiaGMag != nil && *e.GaiaGMag < 50 {
		return *e.GaiaGMag, "gaia"
	}
	if r.mags.UseTmagConversion && e.TessMag != nil && *e.TessMag < 50 {
		return *e.TessMag + r.mags.TmagToGmagOffset, "tmag-converted"
	}
	return r.mags.Default, "default"
}

// CleanTIC strips an optional "TIC" prefix and keeps the digits.
func CleanTIC(input string) (string, error) {
	s := strings.TrimSpace(input)
	if len(s) >= 3 && strings.EqualFold(s[:3], "TIC") {
		s = strings.TrimSpace(s[3:])
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", resolutionErr(input, "invalid TIC identifier")
	}
	return b.String(), nil
}

// ParseCoords parses "RA DEC". Decimal input is RA and Dec in degrees
// ("123.456 -67.890"); sexagesimal input uses hours for RA
// ("08:13:49.4 -67:53:24").
func ParseCoords(input string) (model.Target, error) {
	parts := strings.Fields(strings.ReplaceAll(input, ",", " "))
	if len(parts) != 2 {
		return model.Target{}, resolutionErr(input, "expected \"RA DEC\"")
	}

	var ra, dec float64
	var err error
	if strings.Contains(parts[0], ":") {
		var hours float64
		hours, err = parseSexagesimal(parts[0])
		ra = hours * 15
	} else {
		ra, err = strconv.ParseFloat(parts[0], 64)
	}
	if err != nil {
		return model.Target{}, resolutionErr(input, "bad right ascension: %v", err)
	}
	if strings.Contains(parts[1], ":") {
		dec, err = parseSexagesimal(parts[1])
	} else {
		dec, err = strconv.ParseFloat(parts[1], 64)
	}
	if err != nil {
		return model.Target{}, resolutionErr(input, "bad declination: %v", err)
	}

	if !validRADec(ra, dec) {
		return model.Target{}, resolutionErr(input, "coordinates out of range (ra=%v dec=%v)", ra, dec)
	}
	return model.Target{
		ID:         fmt.Sprintf("MANUAL-%.3fh_%+.3fd", ra/15, dec),
		RADeg:      ra,
		DecDeg:     dec,
		Provenance: model.ProvenanceCoordinates,
	}, nil
}

// CurrentPosition builds a target for wherever the telescope points now.
func CurrentPosition(raDeg, decDeg float64) model.Target {
	return model.Target{
		ID:         fmt.Sprintf("CURRENTPOS_%.3fh_%+.3fd", raDeg/15, decDeg),
		RADeg:      raDeg,
		DecDeg:     decDeg,
		Provenance: model.ProvenanceCoordinates,
	}
}

func parseSexagesimal(s string) (float64, error) {
	sign := 1.0
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	fields := strings.Split(s, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, fmt.Errorf("malformed sexagesimal %q", s)
	}
	var v float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, err
		}
		if x < 0 || (i > 0 && x >= 60) {
			return 0, fmt.Errorf("component %q out of range", f)
		}
		v += x / math.Pow(60, float64(i))
	}
	return sign * v, nil
}

func validRADec(ra, dec float64) bool {
	if math.IsNaN(ra) || math.IsNaN(dec) || math.IsInf(ra, 0) || math.IsInf(dec, 0) {
		return false
	}
	return ra >= 0 && ra < 360 && dec >= -90 && dec <= 90
}
