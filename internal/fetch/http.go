// Package fetch downloads raw tile bodies.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// DefaultMaxBytes caps a tile body after content decoding.
const DefaultMaxBytes = 32 << 20

// ErrTooLarge is returned when a body exceeds the client's size limit
var ErrTooLarge = errors.New("fetch: body exceeds size limit")

// StatusError reports a non-2xx response
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// HTTPClient performs plain GETs against the tile server
type HTTPClient struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewHTTPClient creates a new tile client with the given request timeout
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  DefaultMaxBytes,
		userAgent: "plateau-stream/1",
	}
}

// WithMaxBytes overrides the body size limit
func (c *HTTPClient) WithMaxBytes(n int64) *HTTPClient {
	c.maxBytes = n
	return c
}

// Fetch GETs url and returns the decoded body
func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch: build request")
	}

	// Setting Accept-Encoding turns off net/http's own gzip handling; the
	// body is decoded below instead.
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch: GET %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "fetch: gzip body")
		}
		defer zr.Close()
		body = zr
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "fetch: zstd body")
		}
		defer dec.Close()
		body = dec
	default:
		return nil, errors.Errorf("fetch: unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}

	data, err := io.ReadAll(io.LimitReader(body, c.maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "fetch: read %s", url)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
