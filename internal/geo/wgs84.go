package geo

import "math"

// WGS84 ellipsoid.
const (
	semiMajor    = 6378137.0
	flattening   = 1.0 / 298.257223563
	eccentricity = flattening * (2.0 - flattening) // e^2
)

// Geodetic is a WGS84 position in degrees with ellipsoidal height in meters.
type Geodetic struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Height float64 `json:"height"`
}

// ECEF is an Earth-centered, Earth-fixed position in meters.
// +Z points at the north pole, +X through the prime meridian at the equator.
type ECEF struct {
	X, Y, Z float64
}

// Offset is a displacement in meters in the tangent frame of a reference point.
type Offset struct {
	X, Y, Z float64
}

func radians(deg float64) float64 { return deg * math.Pi / 180.0 }
func degrees(rad float64) float64 { return rad * 180.0 / math.Pi }

// GeodeticToECEF converts latitude/longitude (degrees) and height (meters) to ECEF.
func GeodeticToECEF(lat, lon, h float64) ECEF {
	b := radians(lat)
	l := radians(lon)

	sinB := math.Sin(b)
	n := semiMajor / math.Sqrt(1.0-eccentricity*sinB*sinB)

	return ECEF{
		X: (n + h) * math.Cos(b) * math.Cos(l),
		Y: (n + h) * math.Cos(b) * math.Sin(l),
		Z: (n*(1.0-eccentricity) + h) * sinB,
	}
}

// ECEFToGeodetic converts ECEF back to geodetic coordinates.
//
// It uses Bowring's closed form with a single step, which is well below a
// millimeter for points between -1 km and +10 km of the ellipsoid. It is not
// an exact inverse for arbitrary points (satellite altitudes, the Earth's core)
// and it is undefined on the polar axis, where p == 0.
func ECEFToGeodetic(x, y, z float64) Geodetic {
	p := math.Sqrt(x*x + y*y)
	r := math.Sqrt(p*p + z*z)
	mu := math.Atan(z / p * ((1.0 - flattening) + eccentricity*semiMajor/r))

	sinMu, cosMu := math.Sincos(mu)
	b := math.Atan((z*(1.0-flattening) + eccentricity*semiMajor*sinMu*sinMu*sinMu) /
		((1.0 - flattening) * (p - eccentricity*semiMajor*cosMu*cosMu*cosMu)))

	sinB, cosB := math.Sincos(b)
	return Geodetic{
		Lat:    degrees(b),
		Lon:    degrees(math.Atan2(y, x)),
		Height: p*cosB + z*sinB - semiMajor*math.Sqrt(1.0-eccentricity*sinB*sinB),
	}
}

// LocalOffset returns the position of point relative to ref, both taken on the
// ellipsoid surface (heights are ignored).
//
// The ECEF difference is rotated by -ref.Lon about the polar axis and then by
// -ref.Lat in the resulting x/z plane, so X is the local up axis, Y points east
// and Z points north.
func LocalOffset(point, ref Geodetic) Offset {
	c := GeodeticToECEF(ref.Lat, ref.Lon, 0)
	p := GeodeticToECEF(point.Lat, point.Lon, 0)

	dx, dy, dz := p.X-c.X, p.Y-c.Y, p.Z-c.Z

	sin, cos := math.Sincos(radians(-ref.Lon))
	rx := dx*cos - dy*sin
	ry := dx*sin + dy*cos

	sin, cos = math.Sincos(radians(-ref.Lat))
	return Offset{
		X: rx*cos - dz*sin,
		Y: ry,
		Z: rx*sin + dz*cos,
	}
}

// Distance calculates the great-circle distance between two points in meters
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000

	dlat := radians(lat2 - lat1)
	dlon := radians(lon2 - lon1)

	a := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}
