package core

import (
	"math"
	"testing"
	"time"
)

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s = %.4f, want %.4f ± %.4f", name, got, want, tol)
	}
}

func TestJulianDateAtJ2000(t *testing.T) {
	epoch := time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)
	approx(t, "JulianDate(J2000)", JulianDate(epoch), j2000, 1e-6)

	half := epoch.Add(500 * time.Millisecond)
	approx(t, "JulianDate(+0.5s)", JulianDate(half)-j2000, 0.5/86400, 1e-9)
}

func TestGreenwichSiderealAtJ2000(t *testing.T) {
	epoch := time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)
	approx(t, "GMST(J2000)", GreenwichSiderealDegrees(epoch), 280.46, 0.01)
}

func TestCelestialPoleAltitudeEqualsLatitude(t *testing.T) {
	site := Site{LatitudeDeg: 31.68, LongitudeDeg: -110.88}
	for _, ts := range []time.Time{
		time.Date(2025, time.March, 1, 3, 0, 0, 0, time.UTC),
		time.Date(2025, time.September, 9, 17, 30, 0, 0, time.UTC),
	} {
		pos := site.Horizontal(0, 90, ts)
		approx(t, "pole altitude", pos.Alt, site.LatitudeDeg, 1e-6)
	}
}

func TestZenithTransit(t *testing.T) {
	epoch := time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)
	site := Site{LatitudeDeg: 40, LongitudeDeg: 0}
	lst := LocalSiderealDegrees(epoch, site.LongitudeDeg)

	pos := site.Horizontal(lst, 40, epoch)
	approx(t, "transit altitude", pos.Alt, 90, 1e-4)

	// An equatorial star six hours before transit rises due east.
	east := site.Horizontal(NormalizeDegrees(lst+90), 0, epoch)
	approx(t, "east altitude", east.Alt, 0, 1e-4)
	approx(t, "east azimuth", east.Az, 90, 1e-4)
}

func TestSunDeclinationAtSolstices(t *testing.T) {
	_, june := SunPosition(time.Date(2025, time.June, 21, 3, 0, 0, 0, time.UTC))
	approx(t, "June solstice declination", june, 23.44, 0.05)

	_, december := SunPosition(time.Date(2025, time.December, 21, 15, 0, 0, 0, time.UTC))
	approx(t, "December solstice declination", december, -23.44, 0.05)
}

func TestSunAltitudeDayAndNight(t *testing.T) {
	greenwich := Site{LatitudeDeg: 51.48, LongitudeDeg: 0}

	noon := greenwich.Sun(time.Date(2025, time.June, 21, 12, 2, 0, 0, time.UTC))
	approx(t, "noon sun altitude", noon.Alt, 90-51.48+23.44, 0.5)
	approx(t, "noon sun azimuth", noon.Az, 180, 1.5)

	midnight := greenwich.Sun(time.Date(2025, time.December, 21, 0, 0, 0, 0, time.UTC))
	if midnight.Alt > -50 {
		t.Fatalf("midnight sun altitude = %.2f, want below -50", midnight.Alt)
	}
}

func TestAirmass(t *testing.T) {
	am, ok := Airmass(90)
	if !ok {
		t.Fatalf("Airmass(90) ok = false, want true")
	}
	approx(t, "Airmass(90)", am, 1, 1e-9)

	am, ok = Airmass(30)
	if !ok {
		t.Fatalf("Airmass(30) ok = false, want true")
	}
	approx(t, "Airmass(30)", am, 2, 1e-9)

	if _, ok := Airmass(10); ok {
		t.Fatalf("Airmass(10) ok = true, want false")
	}
}

func TestNormalizeDegrees(t *testing.T) {
	cases := map[float64]float64{-30: 330, 360: 0, 725: 5, 0: 0}
	for in, want := range cases {
		approx(t, "NormalizeDegrees", NormalizeDegrees(in), want, 1e-9)
	}
}
