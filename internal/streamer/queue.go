package streamer

import (
	"sync"

	"plateau-stream/internal/bits"
)

// queue is an unbounded FIFO of tile codes. Any number of goroutines may push;
// the worker is the only one popping.
type queue struct {
	mu    sync.Mutex
	items []bits.Code
	head  int
}

func (q *queue) push(codes ...bits.Code) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, codes...)
}

// pushFront puts a code back at the head, for a pop that could not be served.
func (q *queue) pushFront(c bits.Code) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head > 0 {
		q.head--
		q.items[q.head] = c
		return
	}
	q.items = append([]bits.Code{c}, q.items...)
}

func (q *queue) pop() (bits.Code, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return 0, false
	}
	c := q.items[q.head]
	q.head++

	// Compact once the consumed prefix dominates.
	if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return c, true
}

// drain empties the queue and returns how many codes were discarded.
func (q *queue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items) - q.head
	q.items = nil
	q.head = 0
	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// snapshot returns the pending codes in order.
func (q *queue) snapshot() []bits.Code {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]bits.Code, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	return out
}
