package streamer

import (
	"sync"

	"plateau-stream/internal/bits"
	"plateau-stream/internal/geo"
)

// claimSet holds every code the worker has taken on: requested, in flight,
// placed or failed. A claimed code is never fetched again unless it is
// released or evicted.
type claimSet struct {
	mu    sync.Mutex
	codes map[bits.Code]struct{}
}

func newClaimSet() *claimSet {
	return &claimSet{codes: make(map[bits.Code]struct{})}
}

// claim adds c and reports whether it was new.
func (s *claimSet) claim(c bits.Code) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[c]; ok {
		return false
	}
	s.codes[c] = struct{}{}
	return true
}

func (s *claimSet) has(c bits.Code) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.codes[c]
	return ok
}

func (s *claimSet) release(c bits.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, c)
}

func (s *claimSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}

func (s *claimSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = make(map[bits.Code]struct{})
}

// evictFarther drops codes more than dist tiles away from center and returns
// the dropped codes.
func (s *claimSet) evictFarther(center geo.TileIndex, dist int) []bits.Code {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []bits.Code
	for c := range s.codes {
		x, y := bits.Decode(c)
		if geo.ChebyshevDistance(center, geo.TileIndex{X: x, Y: y}) > dist {
			delete(s.codes, c)
			dropped = append(dropped, c)
		}
	}
	return dropped
}
