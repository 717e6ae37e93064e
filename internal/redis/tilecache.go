package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"plateau-stream/internal/logger"
	"plateau-stream/internal/metrics"
)

const keyPrefix = "tile:"

// Fetcher is the origin the cache reads through to
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// TileCache is a read-through Redis cache of raw tile bodies keyed by URL.
// Redis failures never fail a fetch; they fall back to the origin.
type TileCache struct {
	client *redis.Client
	origin Fetcher
	ttl    time.Duration
	log    *slog.Logger
}

// NewTileCache connects to redisURL and wraps origin
func NewTileCache(redisURL string, origin Fetcher, ttl time.Duration) (*TileCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "redis: parse url")
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis: ping")
	}

	return newTileCache(client, origin, ttl), nil
}

func newTileCache(client *redis.Client, origin Fetcher, ttl time.Duration) *TileCache {
	return &TileCache{
		client: client,
		origin: origin,
		ttl:    ttl,
		log:    logger.L().With("component", "tilecache"),
	}
}

// Fetch returns the cached body for url, or fetches and stores it
func (c *TileCache) Fetch(ctx context.Context, url string) ([]byte, error) {
	key := keyPrefix + url

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		metrics.CacheHitsTotal.Inc()
		return data, nil
	case errors.Is(err, redis.Nil):
		metrics.CacheMissesTotal.Inc()
	default:
		metrics.CacheMissesTotal.Inc()
		c.log.Warn("cache read failed", "url", url, "err", err)
	}

	data, err = c.origin.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", "url", url, "err", err)
	}
	return data, nil
}

// Forget drops a cached body
func (c *TileCache) Forget(ctx context.Context, url string) error {
	return c.client.Del(ctx, keyPrefix+url).Err()
}

// Close closes the Redis connection
func (c *TileCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *TileCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
