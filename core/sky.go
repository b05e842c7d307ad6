package core

import (
	"math"
	"time"
)

// maxAirmassZenithDeg bounds the plane-parallel airmass approximation.
const maxAirmassZenithDeg = 80.0

// Site is an observatory location. Longitude is east-positive.
type Site struct {
	LatitudeDeg  float64
	LongitudeDeg float64
	ElevationM   float64
}

// Zenith returns the site's local vertical in the Earth-fixed frame.
func (s Site) Zenith() Vec3 {
	return sphericalUnit(s.LongitudeDeg*degToRad, s.LatitudeDeg*degToRad)
}

// AltAz is a horizontal-frame position in degrees.
type AltAz struct {
	Alt float64
	Az  float64
}

// Horizontal converts equatorial coordinates to altitude/azimuth for the site
// at time t.
func (s Site) Horizontal(raDeg, decDeg float64, t time.Time) AltAz {
	dir := earthFixedDirection(raDeg, decDeg, t)
	return AltAz{
		Alt: ElevationDegrees(s.Zenith(), dir),
		Az:  AzimuthDegrees(s.LatitudeDeg, s.LongitudeDeg, dir),
	}
}

// Sun returns the Sun's altitude/azimuth for the site at time t.
func (s Site) Sun(t time.Time) AltAz {
	ra, dec := SunPosition(t)
	return s.Horizontal(ra, dec, t)
}

// Airmass returns the secant of the zenith angle for altitudes above 10°.
// ok is false when the approximation does not hold.
func Airmass(altDeg float64) (airmass float64, ok bool) {
	zenith := 90.0 - altDeg
	if zenith < 0 || zenith >= maxAirmassZenithDeg {
		return 0, false
	}
	return 1.0 / math.Cos(zenith*degToRad), true
}
