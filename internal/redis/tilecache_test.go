package redis

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Tests need a local Redis and use DB 1.

type countingOrigin struct {
	mu    sync.Mutex
	calls map[string]int
	body  []byte
	err   error
}

func (o *countingOrigin) Fetch(ctx context.Context, url string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[url]++
	if o.err != nil {
		return nil, o.err
	}
	return o.body, nil
}

func (o *countingOrigin) count(url string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[url]
}

func newTestCache(t *testing.T, origin Fetcher) *TileCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use test database
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping test")
	}
	client.FlushDB(ctx)

	c := newTileCache(client, origin, time.Minute)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTileCacheReadThrough(t *testing.T) {
	origin := &countingOrigin{body: []byte("DRACO-body")}
	cache := newTestCache(t, origin)
	ctx := context.Background()
	url := "https://tiles.example/drc/58/25/21/80/58211_25806.draco"

	for i := 0; i < 3; i++ {
		data, err := cache.Fetch(ctx, url)
		if err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
		if !bytes.Equal(data, origin.body) {
			t.Errorf("Fetch %d returned %q", i, data)
		}
	}

	if n := origin.count(url); n != 1 {
		t.Errorf("Expected 1 origin call, got %d", n)
	}
}

func TestTileCacheOriginErrorNotCached(t *testing.T) {
	origin := &countingOrigin{err: errors.New("boom")}
	cache := newTestCache(t, origin)
	ctx := context.Background()
	url := "https://tiles.example/missing.draco"

	if _, err := cache.Fetch(ctx, url); err == nil {
		t.Fatal("Expected origin error")
	}

	origin.mu.Lock()
	origin.err = nil
	origin.body = []byte("DRACO-late")
	origin.mu.Unlock()

	data, err := cache.Fetch(ctx, url)
	if err != nil {
		t.Fatalf("Fetch after recovery failed: %v", err)
	}
	if string(data) != "DRACO-late" {
		t.Errorf("Unexpected body %q", data)
	}
	if n := origin.count(url); n != 2 {
		t.Errorf("Expected 2 origin calls, got %d", n)
	}
}

func TestTileCacheForget(t *testing.T) {
	origin := &countingOrigin{body: []byte("DRACO")}
	cache := newTestCache(t, origin)
	ctx := context.Background()
	url := "https://tiles.example/a.draco"

	cache.Fetch(ctx, url)
	if err := cache.Forget(ctx, url); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	cache.Fetch(ctx, url)

	if n := origin.count(url); n != 2 {
		t.Errorf("Expected 2 origin calls after Forget, got %d", n)
	}
}

func TestTileCacheRedisDown(t *testing.T) {
	// Nothing listens on port 1; every Redis call fails fast.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	origin := &countingOrigin{body: []byte("DRACO")}
	cache := newTileCache(client, origin, time.Minute)
	defer cache.Close()

	data, err := cache.Fetch(context.Background(), "https://tiles.example/b.draco")
	if err != nil {
		t.Fatalf("Fetch should fall back to origin, got %v", err)
	}
	if string(data) != "DRACO" {
		t.Errorf("Unexpected body %q", data)
	}
}

func TestNewTileCacheBadURL(t *testing.T) {
	if _, err := NewTileCache("not-a-url", &countingOrigin{}, time.Minute); err == nil {
		t.Error("Expected error for malformed Redis URL")
	}
}
