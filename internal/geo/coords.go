package geo

import "math"

// Web Mercator latitude limit.
const maxLat = 85.05112878

// TileIndex addresses a slippy-map tile at an implicit zoom level.
type TileIndex struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DegreesToTile converts WGS84 lon/lat to the Web Mercator (EPSG:3857) tile
// containing it. Latitude is clamped to the Mercator range and longitude wraps
// around the antimeridian.
func DegreesToTile(lon, lat float64, zoom int) TileIndex {
	n := float64(int(1) << zoom)

	lat = math.Max(math.Min(lat, maxLat), -maxLat)
	latRad := radians(lat)

	x := int(math.Floor((lon + 180.0) / 360.0 * n))
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	size := 1 << zoom
	x = ((x % size) + size) % size
	y = min(max(y, 0), size-1) // top-down
	return TileIndex{X: x, Y: y}
}

// TileToDegrees returns lon/lat of the north-west corner of tile (x, y).
//
// Callers wanting a tile midpoint pass (2x+1, 2y+1) at zoom+1; TileCenter
// does exactly that.
func TileToDegrees(x, y, zoom int) (lon, lat float64) {
	n := float64(int(1) << zoom)
	lon = float64(x)/n*360.0 - 180.0
	lat = degrees(math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n))))
	return lon, lat
}

// TileCenter returns the midpoint of t at zoom, computed one zoom level finer.
func TileCenter(t TileIndex, zoom int) (lon, lat float64) {
	return TileToDegrees(2*t.X+1, 2*t.Y+1, zoom+1)
}

// WrapTile brings t back onto the grid at zoom. X wraps around the
// antimeridian; a Y beyond either pole has no tile and reports false.
func WrapTile(t TileIndex, zoom int) (TileIndex, bool) {
	size := 1 << zoom
	if t.Y < 0 || t.Y >= size {
		return t, false
	}
	t.X = ((t.X % size) + size) % size
	return t, true
}

// ChebyshevDistance is the number of tile steps between a and b when diagonal
// moves count as one.
func ChebyshevDistance(a, b TileIndex) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dy := a.Y - b.Y
	if dy < 0 {
		dy = -dy
	}
	return max(dx, dy)
}
