// Package streamer keeps the 3D tiles around a moving viewpoint loaded.
//
// SetCurrentPosition recenters the local frame and queues the neighborhood of
// the viewpoint's tile. A single worker (Run) takes one code per interval,
// skips codes it has already claimed, and fetches, decodes and places the
// rest strictly one at a time.
package streamer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"plateau-stream/internal/bits"
	"plateau-stream/internal/geo"
	"plateau-stream/internal/logger"
	"plateau-stream/internal/mesh"
	"plateau-stream/internal/metrics"
	"plateau-stream/internal/rate"
)

var (
	ErrFetch  = errors.New("tile fetch failed")
	ErrDecode = errors.New("tile decode failed")
	ErrPlace  = errors.New("tile placement failed")
)

// Fetcher downloads a tile body
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Forgetter is implemented by fetchers that keep bodies around, such as a
// cache. A body that fails to decode is forgotten so a retry goes back to the
// origin.
type Forgetter interface {
	Forget(ctx context.Context, url string) error
}

// Decoder turns a tile body into a mesh
type Decoder interface {
	Decode(data []byte) (*mesh.Mesh, error)
}

// Sink receives placed tiles. Place is called from the worker goroutine only.
type Sink interface {
	Place(ctx context.Context, p Placement) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, p Placement) error

func (f SinkFunc) Place(ctx context.Context, p Placement) error { return f(ctx, p) }

// Vec3 is a position or scale in the render frame
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quat is a rotation quaternion
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Identity is the zero rotation
var Identity = Quat{W: 1}

// MirrorDepth flips the render frame's Z axis to undo the handedness change
// of the position remap.
var MirrorDepth = Vec3{X: 1, Y: 1, Z: -1}

// Placement tells the renderer where to put a decoded tile, relative to the
// streamer's origin.
type Placement struct {
	Streamer string
	Code     bits.Code
	Tile     geo.TileIndex
	Center   geo.Geodetic
	Position Vec3
	Rotation Quat
	Scale    Vec3
	Mesh     *mesh.Mesh
}

// Stats is a snapshot of a streamer's state
type Stats struct {
	ID       string        `json:"id"`
	Pending  int           `json:"pending"`
	Claimed  int           `json:"claimed"`
	Retrying int           `json:"retrying"`
	Budget   int           `json:"budget"`
	Placed   int64         `json:"placed"`
	Failed   int64         `json:"failed"`
	Center   geo.Geodetic  `json:"center"`
	Tile     geo.TileIndex `json:"tile"`
	HasTile  bool          `json:"hasTile"`
}

// Option configures a Streamer
type Option func(*Streamer)

// WithMask skips neighborhood tiles the mask does not cover
func WithMask(m *geo.Mask) Option {
	return func(s *Streamer) { s.mask = m }
}

// WithLogger overrides the default logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Streamer) { s.log = l }
}

// WithID sets the streamer id instead of a random one
func WithID(id uuid.UUID) Option {
	return func(s *Streamer) { s.id = id }
}

// Streamer owns one viewpoint, its reference center and its tile pipeline.
type Streamer struct {
	id      uuid.UUID
	cfg     Config
	fetcher Fetcher
	decoder Decoder
	sink    Sink
	mask    *geo.Mask
	log     *slog.Logger

	// mu guards the viewpoint state below; the worker reads it concurrently
	// with SetCurrentPosition.
	mu       sync.RWMutex
	center   geo.Geodetic
	tile     geo.TileIndex
	prevCode bits.Code
	hasPrev  bool

	queue   queue
	claims  *claimSet
	retries *rate.RetryBook
	window  *rate.Window

	placed atomic.Int64
	failed atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a streamer. It does not start the worker; call Start or Run.
func New(cfg Config, f Fetcher, d Decoder, sink Sink, opts ...Option) (*Streamer, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if f == nil || d == nil || sink == nil {
		return nil, errors.New("streamer: fetcher, decoder and sink are required")
	}

	s := &Streamer{
		id:      uuid.New(),
		cfg:     cfg,
		fetcher: f,
		decoder: d,
		sink:    sink,
		claims:  newClaimSet(),
		retries: rate.NewRetryBook(),
		window:  rate.NewWindow(cfg.FetchesPerMinute, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.L()
	}
	s.log = s.log.With("streamer", s.id.String())
	return s, nil
}

// ID returns the streamer id
func (s *Streamer) ID() string {
	return s.id.String()
}

// Config returns the effective configuration
func (s *Streamer) Config() Config {
	return s.cfg
}

// SetCurrentPosition moves the viewpoint to lon/lat.
//
// The reference center always snaps to the midpoint of the viewpoint's
// request tile. Only when that tile changes is its neighborhood queued, in
// row-major order over x then y. Neighbors past a pole are skipped, neighbors
// across the antimeridian wrap, and tiles outside the coverage mask are
// skipped. It returns the number of codes queued.
func (s *Streamer) SetCurrentPosition(lon, lat float64) int {
	tile := geo.DegreesToTile(lon, lat, RequestZoom)
	code := bits.Encode(tile.X, tile.Y)
	clon, clat := geo.TileCenter(tile, RequestZoom)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.center
	s.center = geo.Geodetic{Lat: clat, Lon: clon}

	if s.hasPrev && code == s.prevCode {
		return 0
	}

	r := s.cfg.Radius
	codes := make([]bits.Code, 0, (2*r+1)*(2*r+1))
	for i := -r; i <= r; i++ {
		for j := -r; j <= r; j++ {
			n, ok := geo.WrapTile(geo.TileIndex{X: tile.X + i, Y: tile.Y + j}, RequestZoom)
			if !ok {
				continue
			}
			if s.mask != nil && !s.mask.Covers(n) {
				continue
			}
			codes = append(codes, bits.Encode(n.X, n.Y))
		}
	}
	s.queue.push(codes...)

	if s.hasPrev {
		s.log.Debug("recentered", "tile", code.String(), "moved_m", geo.Distance(prev.Lat, prev.Lon, clat, clon), "queued", len(codes))
	} else {
		s.log.Info("initial position", "tile", code.String(), "lat", clat, "lon", clon, "queued", len(codes))
	}

	s.tile = tile
	s.prevCode = code
	s.hasPrev = true

	metrics.RecentersTotal.Inc()
	metrics.EnqueuedTotal.Add(float64(len(codes)))
	metrics.PendingGauge.WithLabelValues(s.id.String()).Set(float64(s.queue.len()))
	return len(codes)
}

// Center returns the current reference center
func (s *Streamer) Center() geo.Geodetic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.center
}

// CurrentTile returns the viewpoint's request tile, if a position was set
func (s *Streamer) CurrentTile() (geo.TileIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tile, s.hasPrev
}

// CalcOffsetPos returns where lat/lon sits in the render frame of the
// current reference center, on the ellipsoid surface.
func (s *Streamer) CalcOffsetPos(lat, lon float64) Vec3 {
	return renderFrame(geo.LocalOffset(geo.Geodetic{Lat: lat, Lon: lon}, s.Center()))
}

// AnchorPos is CalcOffsetPos raised by height meters along the up axis, for
// fixed markers.
func (s *Streamer) AnchorPos(lat, lon, height float64) Vec3 {
	p := s.CalcOffsetPos(lat, lon)
	p.Y += height
	return p
}

// renderFrame maps a tangent-plane offset (up, east, north) onto the render
// axes (-east, up, -north).
func renderFrame(o geo.Offset) Vec3 {
	return Vec3{X: -o.Y, Y: o.X, Z: -o.Z}
}

// TilePath returns the sharded object path of tile (x, y):
// {x/1000}/{y/1000}/{(x/10)%100}/{(y/10)%100}/{x}_{y}.{ext}
func TilePath(x, y int, ext string) string {
	return fmt.Sprintf("%d/%d/%d/%d/%d_%d.%s", x/1000, y/1000, (x/10)%100, (y/10)%100, x, y, ext)
}

// TileURL returns the fetch URL of tile (x, y)
func (s *Streamer) TileURL(x, y int) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + TilePath(x, y, s.cfg.Extension)
}

// Pending returns the queued codes in order
func (s *Streamer) Pending() []bits.Code {
	return s.queue.snapshot()
}

// Claimed reports whether code has been taken on by the worker
func (s *Streamer) Claimed(code bits.Code) bool {
	return s.claims.has(code)
}

// Reset forgets all claims, retries and the previous tile, so the next
// SetCurrentPosition queues its neighborhood again. Queued codes are kept.
func (s *Streamer) Reset() {
	s.mu.Lock()
	s.hasPrev = false
	s.prevCode = 0
	s.mu.Unlock()

	s.claims.reset()
	s.retries.Reset()
	s.updateGauges()
}

// Stats returns a snapshot of the streamer
func (s *Streamer) Stats() Stats {
	s.mu.RLock()
	center, tile, has := s.center, s.tile, s.hasPrev
	s.mu.RUnlock()

	return Stats{
		ID:       s.id.String(),
		Pending:  s.queue.len(),
		Claimed:  s.claims.len(),
		Retrying: s.retries.Waiting(),
		Budget:   s.window.Remaining(),
		Placed:   s.placed.Load(),
		Failed:   s.failed.Load(),
		Center:   center,
		Tile:     tile,
		HasTile:  has,
	}
}

// Step runs one pipeline iteration without pacing. It pops one code and,
// unless that code is already claimed, claims it and fetches, decodes and
// places the tile. It reports whether a tile was taken on.
//
// A tile that fails at any stage stays claimed; with MaxRetries set it is
// released again after RetryCooldown.
func (s *Streamer) Step(ctx context.Context) bool {
	s.requeueDue()

	code, ok := s.queue.pop()
	if !ok {
		return false
	}
	if s.claims.has(code) {
		metrics.DuplicatesTotal.Inc()
		return false
	}
	if !s.window.Allow() {
		s.queue.pushFront(code)
		return false
	}

	s.evict()
	s.claims.claim(code)

	err := s.load(ctx, code)
	switch {
	case err == nil:
		s.placed.Add(1)
		s.retries.Forget(uint64(code))
		metrics.PlacedTotal.Inc()
	case ctx.Err() != nil:
		// Shutting down mid-tile is not the tile's fault.
		s.claims.release(code)
		return false
	default:
		s.failed.Add(1)
		s.fail(code, err)
	}
	return true
}

// load errors match both their stage sentinel and the underlying cause with
// errors.Is.
func (s *Streamer) load(ctx context.Context, code bits.Code) error {
	x, y := bits.Decode(code)
	url := s.TileURL(x, y)
	s.log.Debug("fetching tile", "url", url)

	start := time.Now()
	data, err := s.fetcher.Fetch(ctx, url)
	metrics.FetchDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}

	m, err := s.decoder.Decode(data)
	if err != nil {
		s.forget(url)
		return fmt.Errorf("%w: %s: %w", ErrDecode, url, err)
	}
	if m == nil {
		return fmt.Errorf("%w: %s: no mesh", ErrDecode, url)
	}

	p := s.placement(code, geo.TileIndex{X: x, Y: y}, m)
	if err := s.sink.Place(ctx, p); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPlace, url, err)
	}

	s.log.Debug("tile placed", "tile", code.String(), "x", p.Position.X, "y", p.Position.Y, "z", p.Position.Z)
	return nil
}

func (s *Streamer) forget(url string) {
	f, ok := s.fetcher.(Forgetter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Forget(ctx, url); err != nil {
		s.log.Warn("forget undecodable tile", "url", url, "err", err)
	}
}

// placement positions tile t by its midpoint relative to the reference
// center as it is now, not as it was when the tile was queued.
func (s *Streamer) placement(code bits.Code, t geo.TileIndex, m *mesh.Mesh) Placement {
	lon, lat := geo.TileCenter(t, RequestZoom)
	mid := geo.Geodetic{Lat: lat, Lon: lon}

	return Placement{
		Streamer: s.id.String(),
		Code:     code,
		Tile:     t,
		Center:   mid,
		Position: renderFrame(geo.LocalOffset(mid, s.Center())),
		Rotation: Identity,
		Scale:    MirrorDepth,
		Mesh:     m,
	}
}

func (s *Streamer) fail(code bits.Code, err error) {
	stage := "fetch"
	switch {
	case errors.Is(err, ErrDecode):
		stage = "decode"
	case errors.Is(err, ErrPlace):
		stage = "place"
	}
	metrics.FailuresTotal.WithLabelValues(stage).Inc()

	if s.cfg.MaxRetries <= 0 {
		s.log.Warn("tile abandoned", "tile", code.String(), "stage", stage, "err", err)
		return
	}
	if n := s.retries.Fail(uint64(code)); n > s.cfg.MaxRetries {
		s.retries.Abandon(uint64(code))
		s.log.Warn("tile abandoned after retries", "tile", code.String(), "stage", stage, "attempts", n, "err", err)
		return
	}
	s.log.Info("tile failed, will retry", "tile", code.String(), "stage", stage, "err", err)
}

// requeueDue releases failed tiles whose cooldown expired and queues them again.
func (s *Streamer) requeueDue() {
	if s.cfg.MaxRetries <= 0 {
		return
	}
	for _, k := range s.retries.Due(s.cfg.RetryCooldown) {
		c := bits.Code(k)
		s.claims.release(c)
		s.queue.push(c)
		metrics.RetriesTotal.Inc()
		s.log.Debug("retrying tile", "tile", c.String(), "failures", s.retries.Attempts(k))
	}
}

// evict drops far-away claims once the dedupe set is full. Dropped tiles are
// fetched again if the viewpoint comes back.
func (s *Streamer) evict() {
	if s.cfg.MaxClaimed <= 0 || s.claims.len() < s.cfg.MaxClaimed {
		return
	}
	tile, ok := s.CurrentTile()
	if !ok {
		return
	}

	dropped := s.claims.evictFarther(tile, s.cfg.EvictDistance)
	for _, c := range dropped {
		s.retries.Forget(uint64(c))
	}
	if len(dropped) > 0 {
		metrics.EvictedTotal.Add(float64(len(dropped)))
		s.log.Debug("evicted claims", "count", len(dropped), "kept", s.claims.len())
	}
}

func (s *Streamer) updateGauges() {
	id := s.id.String()
	metrics.PendingGauge.WithLabelValues(id).Set(float64(s.queue.len()))
	metrics.ClaimedGauge.WithLabelValues(id).Set(float64(s.claims.len()))
}

// Run drives the pipeline until ctx is done. It waits a full Interval before
// every Step, counted from the end of the previous one, so a slow tile server
// sees one request per interval plus latency. On return the pending queue has
// been discarded; claims are kept.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.Info("streamer worker started", "interval", s.cfg.Interval, "base_url", s.cfg.BaseURL)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			n := s.queue.drain()
			s.updateGauges()
			s.log.Info("streamer worker stopped", "discarded", n)
			return ctx.Err()
		case <-timer.C:
			s.Step(ctx)
			s.updateGauges()
			timer.Reset(s.cfg.Interval)
		}
	}
}

// Start runs the worker in a goroutine. It is a no-op if already running.
func (s *Streamer) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop cancels the worker started by Start and waits for it to exit.
func (s *Streamer) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
