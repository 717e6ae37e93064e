// Package config loads server settings: built-in defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"plateau-stream/internal/geo"
	"plateau-stream/internal/streamer"
)

// BBox is a lon/lat coverage rectangle
type BBox struct {
	MinLon float64 `yaml:"min_lon"`
	MinLat float64 `yaml:"min_lat"`
	MaxLon float64 `yaml:"max_lon"`
	MaxLat float64 `yaml:"max_lat"`
}

// Position is an initial viewpoint
type Position struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// Config holds the server configuration
type Config struct {
	BindAddr      string `yaml:"bind_addr"`
	WSWriteBuffer int    `yaml:"ws_write_buffer"`

	BaseURL          string        `yaml:"base_url"`
	Extension        string        `yaml:"extension"`
	Radius           int           `yaml:"radius"`
	Interval         time.Duration `yaml:"interval"`
	MaxClaimed       int           `yaml:"max_claimed"`
	EvictDistance    int           `yaml:"evict_distance"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryCooldown    time.Duration `yaml:"retry_cooldown"`
	FetchesPerMinute int           `yaml:"fetches_per_minute"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxTileBytes int64         `yaml:"max_tile_bytes"`

	// RedisURL enables the tile cache when set
	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	Coverage *BBox     `yaml:"coverage,omitempty"`
	Start    *Position `yaml:"start,omitempty"`
}

// Default returns the built-in configuration
func Default() Config {
	sc := streamer.DefaultConfig()
	return Config{
		BindAddr:         ":8080",
		WSWriteBuffer:    1048576,
		BaseURL:          sc.BaseURL,
		Extension:        sc.Extension,
		Radius:           sc.Radius,
		Interval:         sc.Interval,
		MaxClaimed:       sc.MaxClaimed,
		EvictDistance:    sc.EvictDistance,
		MaxRetries:       sc.MaxRetries,
		RetryCooldown:    sc.RetryCooldown,
		FetchesPerMinute: sc.FetchesPerMinute,
		FetchTimeout:     10 * time.Second,
		MaxTileBytes:     32 << 20,
		CacheTTL:         24 * time.Hour,
	}
}

// FromEnv loads the file named by STREAM_CONFIG, if any, and applies the
// environment on top.
func FromEnv() (Config, error) {
	return Load(os.Getenv("STREAM_CONFIG"))
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.BindAddr = getEnv("BIND_ADDR", c.BindAddr)
	c.WSWriteBuffer = getEnvInt("WS_WRITE_BUFFER", c.WSWriteBuffer)

	c.BaseURL = getEnv("TILE_BASE_URL", c.BaseURL)
	c.Extension = getEnv("TILE_EXTENSION", c.Extension)
	c.Radius = getEnvInt("STREAM_RADIUS", c.Radius)
	c.Interval = getEnvDuration("STREAM_INTERVAL", c.Interval)
	c.MaxClaimed = getEnvInt("STREAM_MAX_CLAIMED", c.MaxClaimed)
	c.EvictDistance = getEnvInt("STREAM_EVICT_DISTANCE", c.EvictDistance)
	c.MaxRetries = getEnvInt("STREAM_MAX_RETRIES", c.MaxRetries)
	c.RetryCooldown = getEnvDuration("STREAM_RETRY_COOLDOWN", c.RetryCooldown)
	c.FetchesPerMinute = getEnvInt("STREAM_FETCHES_PER_MINUTE", c.FetchesPerMinute)

	c.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", c.FetchTimeout)
	c.MaxTileBytes = int64(getEnvInt("MAX_TILE_BYTES", int(c.MaxTileBytes)))

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.CacheTTL = getEnvDuration("CACHE_TTL", c.CacheTTL)

	if v := os.Getenv("COVERAGE_BBOX"); v != "" {
		b, err := parseBBox(v)
		if err != nil {
			return err
		}
		c.Coverage = b
	}

	if lat, lon := os.Getenv("START_LAT"), os.Getenv("START_LON"); lat != "" && lon != "" {
		c.Start = &Position{
			Lat: getEnvFloat("START_LAT", 0),
			Lon: getEnvFloat("START_LON", 0),
		}
	}
	return nil
}

// Validate checks the settings the streamer does not check itself
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return errors.New("config: bind address is required")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("config: fetch timeout must be positive")
	}
	if c.MaxTileBytes <= 0 {
		return errors.New("config: max tile bytes must be positive")
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		return errors.New("config: cache ttl must be positive when redis is enabled")
	}
	if c.Start != nil && (c.Start.Lat < -90 || c.Start.Lat > 90 || c.Start.Lon < -180 || c.Start.Lon > 180) {
		return errors.Errorf("config: start position %v,%v out of range", c.Start.Lat, c.Start.Lon)
	}
	if b := c.Coverage; b != nil {
		if _, err := geo.BBoxBounds(b.MinLon, b.MinLat, b.MaxLon, b.MaxLat, streamer.RequestZoom); err != nil {
			return errors.Wrap(err, "config: coverage")
		}
	}
	return nil
}

// Streamer returns the streamer part of the configuration
func (c Config) Streamer() streamer.Config {
	return streamer.Config{
		BaseURL:          c.BaseURL,
		Extension:        c.Extension,
		Radius:           c.Radius,
		Interval:         c.Interval,
		MaxClaimed:       c.MaxClaimed,
		EvictDistance:    c.EvictDistance,
		MaxRetries:       c.MaxRetries,
		RetryCooldown:    c.RetryCooldown,
		FetchesPerMinute: c.FetchesPerMinute,
	}
}

// Mask builds the coverage mask at the request zoom, or nil without coverage.
// Validate has already bounded its size.
func (c Config) Mask() (*geo.Mask, error) {
	if c.Coverage == nil {
		return nil, nil
	}
	b := c.Coverage
	m, err := geo.MaskFromBBox(b.MinLon, b.MinLat, b.MaxLon, b.MaxLat, streamer.RequestZoom)
	if err != nil {
		return nil, errors.Wrap(err, "config: coverage")
	}
	return m, nil
}

// parseBBox reads "minLon,minLat,maxLon,maxLat"
func parseBBox(s string) (*BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, errors.Errorf("config: COVERAGE_BBOX needs 4 values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "config: COVERAGE_BBOX value %d", i)
		}
		v[i] = f
	}
	return &BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
