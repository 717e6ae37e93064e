package rate

import (
	"sort"
	"sync"
	"time"
)

// RetryBook tracks failed tile codes, how often each failed and when it may
// be attempted again.
type RetryBook struct {
	attempts map[uint64]int
	waiting  map[uint64]time.Time
	mu       sync.Mutex
	now      func() time.Time
}

// NewRetryBook creates an empty retry book
func NewRetryBook() *RetryBook {
	return &RetryBook{
		attempts: make(map[uint64]int),
		waiting:  make(map[uint64]time.Time),
		now:      time.Now,
	}
}

// Fail records a failure of key and starts its cooldown. It returns how many
// times key has failed so far.
func (b *RetryBook) Fail(key uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts[key]++
	b.waiting[key] = b.now()
	return b.attempts[key]
}

// Abandon stops waiting on key without forgetting its failure count.
func (b *RetryBook) Abandon(key uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiting, key)
}

// Due returns, in ascending order, the keys whose cooldown has expired and
// stops tracking their cooldown.
func (b *RetryBook) Due(cooldown time.Duration) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var due []uint64
	for key, failedAt := range b.waiting {
		if !now.Before(failedAt.Add(cooldown)) {
			due = append(due, key)
			delete(b.waiting, key)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

// Attempts returns how often key has failed
func (b *RetryBook) Attempts(key uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[key]
}

// Waiting returns how many keys are cooling down
func (b *RetryBook) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiting)
}

// Forget drops everything known about key
func (b *RetryBook) Forget(key uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, key)
	delete(b.waiting, key)
}

// Reset forgets all keys
func (b *RetryBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = make(map[uint64]int)
	b.waiting = make(map[uint64]time.Time)
}

// Window implements a sliding window rate limiter
type Window struct {
	requests []time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewWindow allows limit events per window. A limit of zero or less never limits.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	valid := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	w.requests = valid
}

// Allow records an event and returns true if it fits in the window
func (w *Window) Allow() bool {
	if w.limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.requests) >= w.limit {
		return false
	}
	w.requests = append(w.requests, now)
	return true
}

// Remaining returns the number of events still allowed in the window
func (w *Window) Remaining() int {
	if w.limit <= 0 {
		return -1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	return w.limit - len(w.requests)
}
