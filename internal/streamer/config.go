package streamer

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// Zoom levels are fixed by the tile server layout.
const (
	RequestZoom = 16
	CenterZoom  = RequestZoom + 1
)

// Config holds the streamer configuration
type Config struct {
	BaseURL   string
	Extension string
	Radius    int
	Interval  time.Duration

	// MaxClaimed bounds the dedupe set; zero keeps every claim forever.
	MaxClaimed    int
	EvictDistance int

	// MaxRetries of zero abandons a failed tile for good.
	MaxRetries    int
	RetryCooldown time.Duration

	// FetchesPerMinute of zero leaves only the pacing interval as a limit.
	FetchesPerMinute int
}

// DefaultConfig returns the settings of the public PLATEAU Draco bucket.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://pub-f8a6dfa3b7f74a50b4a23fd5a29f666b.r2.dev/drc",
		Extension:     "draco",
		Radius:        1,
		Interval:      100 * time.Millisecond,
		MaxClaimed:    4096,
		EvictDistance: 8,
		RetryCooldown: 30 * time.Second,
	}
}

func (c Config) normalize() (Config, error) {
	if c.BaseURL == "" {
		return c, errors.New("streamer: base url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return c, errors.Errorf("streamer: invalid base url %q", c.BaseURL)
	}
	if c.Radius < 0 {
		return c, errors.Errorf("streamer: radius must not be negative, got %d", c.Radius)
	}
	if c.MaxClaimed < 0 || c.MaxRetries < 0 || c.FetchesPerMinute < 0 {
		return c, errors.New("streamer: limits must not be negative")
	}

	if c.Extension == "" {
		c.Extension = "draco"
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	// Never evict the neighborhood being loaded.
	if c.EvictDistance < c.Radius {
		c.EvictDistance = c.Radius
	}
	if c.MaxRetries > 0 && c.RetryCooldown <= 0 {
		c.RetryCooldown = 30 * time.Second
	}
	return c, nil
}
