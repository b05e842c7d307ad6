package core

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// j2000 is the Julian date of the J2000.0 epoch.
const j2000 = 2451545.0

// JulianDate returns the Julian date of t, including the sub-second part that
// satellite.JDay drops.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	return jd + float64(t.Nanosecond())/86400e9
}

// GreenwichSiderealDegrees returns the Greenwich mean sidereal angle at t.
func GreenwichSiderealDegrees(t time.Time) float64 {
	return NormalizeDegrees(satellite.ThetaG_JD(JulianDate(t)) * radToDeg)
}

// LocalSiderealDegrees returns the local sidereal angle for an east-positive
// longitude.
func LocalSiderealDegrees(t time.Time, lonDeg float64) float64 {
	return NormalizeDegrees(GreenwichSiderealDegrees(t) + lonDeg)
}

// SunPosition returns the apparent solar right ascension and declination in
// degrees using the low-precision almanac series (good to about 0.01°).
func SunPosition(t time.Time) (raDeg, decDeg float64) {
	n := JulianDate(t) - j2000
	meanLon := NormalizeDegrees(280.460 + 0.9856474*n)
	anomaly := NormalizeDegrees(357.528+0.9856003*n) * degToRad
	eclLon := (meanLon + 1.915*math.Sin(anomaly) + 0.020*math.Sin(2*anomaly)) * degToRad
	obliquity := (23.439 - 0.0000004*n) * degToRad

	ra := math.Atan2(math.Cos(obliquity)*math.Sin(eclLon), math.Cos(eclLon))
	dec := math.Asin(math.Sin(obliquity) * math.Sin(eclLon))
	return NormalizeDegrees(ra * radToDeg), dec * radToDeg
}

// earthFixedDirection rotates an equatorial direction into the Earth-fixed
// frame at time t.
func earthFixedDirection(raDeg, decDeg float64, t time.Time) Vec3 {
	lon := (raDeg - GreenwichSiderealDegrees(t)) * degToRad
	return sphericalUnit(lon, decDeg*degToRad)
}
