package geo

import "github.com/pkg/errors"

// Mask is a coverage bitmap over a rectangle of tiles. Tiles outside it, or
// cleared inside it, have no data on the tile server and are never requested.
type Mask struct {
	data   []byte
	bounds Bounds
}

// Bounds is an inclusive tile rectangle
type Bounds struct {
	MinX, MinY, MaxX, MaxY int
}

// NewMask creates an empty mask over bounds
func NewMask(bounds Bounds) *Mask {
	width := bounds.MaxX - bounds.MinX + 1
	height := bounds.MaxY - bounds.MinY + 1
	bytesNeeded := (width*height + 7) / 8

	return &Mask{
		data:   make([]byte, bytesNeeded),
		bounds: bounds,
	}
}

// MaxMaskTiles bounds the area a coverage mask may span. At zoom 16 it is
// 8192 tiles on a side, about 45 degrees of longitude; the bitmap takes 8 MiB.
const MaxMaskTiles = 1 << 26

// BBoxBounds returns the tile rectangle at zoom that a lon/lat box touches,
// rejecting boxes that are inverted, cross the antimeridian or would span
// more than MaxMaskTiles tiles.
func BBoxBounds(minLon, minLat, maxLon, maxLat float64, zoom int) (Bounds, error) {
	if minLon > maxLon || minLat > maxLat {
		return Bounds{}, errors.New("geo: inverted coverage box")
	}
	nw := DegreesToTile(minLon, maxLat, zoom)
	se := DegreesToTile(maxLon, minLat, zoom)
	if se.X < nw.X {
		return Bounds{}, errors.New("geo: coverage box crosses the antimeridian")
	}
	b := Bounds{MinX: nw.X, MinY: nw.Y, MaxX: se.X, MaxY: se.Y}
	if n := b.Tiles(); n > MaxMaskTiles {
		return Bounds{}, errors.Errorf("geo: coverage box spans %d tiles, limit is %d", n, MaxMaskTiles)
	}
	return b, nil
}

// MaskFromBBox returns a mask covering every tile at zoom that intersects the
// lon/lat box, with all of those tiles set.
func MaskFromBBox(minLon, minLat, maxLon, maxLat float64, zoom int) (*Mask, error) {
	b, err := BBoxBounds(minLon, minLat, maxLon, maxLat, zoom)
	if err != nil {
		return nil, err
	}

	// Padding bits past the last tile are never read.
	m := NewMask(b)
	for i := range m.data {
		m.data[i] = 0xFF
	}
	return m, nil
}

// Tiles is the number of tiles in the rectangle
func (b Bounds) Tiles() int64 {
	return int64(b.MaxX-b.MinX+1) * int64(b.MaxY-b.MinY+1)
}

func (m *Mask) bit(t TileIndex) (byteIndex int, mask byte, ok bool) {
	if t.X < m.bounds.MinX || t.X > m.bounds.MaxX || t.Y < m.bounds.MinY || t.Y > m.bounds.MaxY {
		return 0, 0, false
	}

	width := m.bounds.MaxX - m.bounds.MinX + 1
	bitIndex := (t.Y-m.bounds.MinY)*width + (t.X - m.bounds.MinX)
	byteIndex = bitIndex / 8
	if byteIndex >= len(m.data) {
		return 0, 0, false
	}
	return byteIndex, 1 << (7 - bitIndex%8), true // MSB first
}

// Set marks a tile as covered (true) or empty (false). Out of bounds is a no-op.
func (m *Mask) Set(t TileIndex, covered bool) {
	i, b, ok := m.bit(t)
	if !ok {
		return
	}
	if covered {
		m.data[i] |= b
	} else {
		m.data[i] &^= b
	}
}

// Covers reports whether the tile has data
func (m *Mask) Covers(t TileIndex) bool {
	i, b, ok := m.bit(t)
	if !ok {
		return false
	}
	return m.data[i]&b != 0
}

// Bounds returns the tile rectangle the mask spans
func (m *Mask) Bounds() Bounds {
	return m.bounds
}
