// Package mesh holds the tile payload handed from the fetcher to the render
// side. Geometry decompression itself happens in the renderer; this package
// only checks that a body is a mesh container and strips transport framing.
package mesh

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// FormatDraco is the only container the tile server publishes.
const FormatDraco = "draco"

// DefaultMaxBytes caps an unwrapped body.
const DefaultMaxBytes = 64 << 20

var (
	dracoMagic = []byte("DRACO")
	zstdMagic  = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic  = []byte{0x1F, 0x8B}
)

var (
	ErrEmpty         = errors.New("mesh: empty payload")
	ErrUnknownFormat = errors.New("mesh: unrecognized container")
	ErrTooLarge      = errors.New("mesh: payload exceeds size limit")
)

// Mesh is a decoded tile ready for placement
type Mesh struct {
	Format string
	Data   []byte
}

// Decoder turns a fetched body into a mesh
type Decoder interface {
	Decode(data []byte) (*Mesh, error)
}

// PassthroughDecoder accepts Draco containers, optionally wrapped in one
// layer of gzip or zstd, and forwards them unchanged.
type PassthroughDecoder struct {
	MaxBytes int64
}

// Decode implements Decoder
func (d PassthroughDecoder) Decode(data []byte) (*Mesh, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	limit := d.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}

	var err error
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		data, err = unzstd(data, limit)
	case bytes.HasPrefix(data, gzipMagic):
		data, err = gunzip(data, limit)
	}
	if err != nil {
		return nil, err
	}

	if !bytes.HasPrefix(data, dracoMagic) {
		return nil, ErrUnknownFormat
	}
	return &Mesh{Format: FormatDraco, Data: data}, nil
}

func unzstd(data []byte, limit int64) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "mesh: zstd reader")
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "mesh: zstd payload")
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

func gunzip(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "mesh: gzip header")
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "mesh: gzip payload")
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}
