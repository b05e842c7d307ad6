package model

import (
	"fmt"
	"math"
)

// Provenance records how a Target was resolved.
type Provenance string

const (
	ProvenanceCatalog     Provenance = "catalog"     // TIC lookup
	ProvenanceCoordinates Provenance = "coordinates" // literal RA/Dec
	ProvenanceMirror      Provenance = "mirror"      // announced by the remote telescope
)

// fingerprintPrecision is the coordinate rounding (degrees) used when
// deriving fingerprints, roughly a third of an arcsecond.
const fingerprintPrecision = 1e-4

// Target is a resolved pointing target. It is immutable once resolved.
type Target struct {
	ID         string
	RADeg      float64
	DecDeg     float64
	Magnitude  *float64
	Provenance Provenance
}

// RAHours returns the right ascension in hours.
func (t Target) RAHours() float64 { return t.RADeg / 15.0 }

// HasMagnitude reports whether the target carries a catalog magnitude.
func (t Target) HasMagnitude() bool { return t.Magnitude != nil }

// Fingerprint identifies the target by its coordinates.
func (t Target) Fingerprint() string { return FingerprintFor(t.RADeg, t.DecDeg) }

// FingerprintFor derives a coordinate fingerprint. Two positions that round
// to the same 1e-4 degree grid cell share a fingerprint.
func FingerprintFor(raDeg, decDeg float64) string {
	ra := math.Round(raDeg/fingerprintPrecision) * fingerprintPrecision
	dec := math.Round(decDeg/fingerprintPrecision) * fingerprintPrecision
	if ra == 0 {
		ra = 0 // drop negative zero
	}
	if dec == 0 {
		dec = 0
	}
	return fmt.Sprintf("%.4f%+.4f", ra, dec)
}

// Magnitude returns a pointer to m, for building targets in literals.
func Magnitude(m float64) *float64 { return &m }
