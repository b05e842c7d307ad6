package core

import "math"

const (
	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi
)

// Vec3 is a direction or position in an Earth-fixed Cartesian frame.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Unit returns v scaled to length one. The zero vector is returned unchanged.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return Vec3{X: v.X / n, Y: v.Y / n, Z: v.Z / n}
}

// sphericalUnit returns the unit vector for longitude-like angle lon and
// latitude-like angle lat, both in radians.
func sphericalUnit(lon, lat float64) Vec3 {
	return Vec3{
		X: math.Cos(lat) * math.Cos(lon),
		Y: math.Cos(lat) * math.Sin(lon),
		Z: math.Sin(lat),
	}
}

// ElevationDegrees returns the elevation of direction dir above the local
// horizon defined by zenith, in degrees. 0° = horizon, 90° = overhead.
func ElevationDegrees(zenith, dir Vec3) float64 {
	z := zenith.Unit()
	d := dir.Unit()
	if z.Norm() == 0 || d.Norm() == 0 {
		return 90
	}
	cosGamma := d.Dot(z)
	if cosGamma > 1 {
		cosGamma = 1
	} else if cosGamma < -1 {
		cosGamma = -1
	}
	gammaDeg := math.Acos(cosGamma) * radToDeg
	return 90.0 - gammaDeg
}

// AzimuthDegrees returns the azimuth of dir measured from north through east
// at a site with geodetic latitude latDeg and longitude lonDeg.
func AzimuthDegrees(latDeg, lonDeg float64, dir Vec3) float64 {
	lat := latDeg * degToRad
	lon := lonDeg * degToRad
	north := Vec3{
		X: -math.Sin(lat) * math.Cos(lon),
		Y: -math.Sin(lat) * math.Sin(lon),
		Z: math.Cos(lat),
	}
	east := Vec3{X: -math.Sin(lon), Y: math.Cos(lon)}
	az := math.Atan2(dir.Dot(east), dir.Dot(north)) * radToDeg
	return NormalizeDegrees(az)
}

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
