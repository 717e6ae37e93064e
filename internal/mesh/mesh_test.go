package mesh

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var sample = append([]byte("DRACO"), 0x02, 0x02, 0x01, 0x01, 0x00, 0x00, 0xAA, 0xBB)

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zstded(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

func TestPassthroughDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   func(t *testing.T) []byte
		wantErr error
	}{
		{name: "Raw draco", input: func(*testing.T) []byte { return sample }},
		{name: "Gzip wrapped", input: func(t *testing.T) []byte { return gzipped(t, sample) }},
		{name: "Zstd wrapped", input: func(t *testing.T) []byte { return zstded(t, sample) }},
		{name: "Empty", input: func(*testing.T) []byte { return nil }, wantErr: ErrEmpty},
		{name: "HTML error page", input: func(*testing.T) []byte { return []byte("<html>404</html>") }, wantErr: ErrUnknownFormat},
		{name: "Gzip of garbage", input: func(t *testing.T) []byte { return gzipped(t, []byte("nope")) }, wantErr: ErrUnknownFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := PassthroughDecoder{}.Decode(tt.input(t))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if m.Format != FormatDraco || !bytes.Equal(m.Data, sample) {
				t.Errorf("unexpected mesh %+v", m)
			}
		})
	}
}

func TestPassthroughDecoderSizeLimit(t *testing.T) {
	big := append([]byte("DRACO"), make([]byte, 4096)...)

	if _, err := (PassthroughDecoder{MaxBytes: 1024}).Decode(gzipped(t, big)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("gzip: expected ErrTooLarge, got %v", err)
	}
	if _, err := (PassthroughDecoder{MaxBytes: 8192}).Decode(gzipped(t, big)); err != nil {
		t.Errorf("gzip under limit: %v", err)
	}
}

func TestPassthroughDecoderCorruptFrame(t *testing.T) {
	bad := append([]byte{0x1F, 0x8B}, []byte("not really gzip")...)
	if _, err := (PassthroughDecoder{}).Decode(bad); err == nil {
		t.Error("expected error for corrupt gzip frame")
	}
}
