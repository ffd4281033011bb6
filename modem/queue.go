package modem

import (
	"context"
	"sync"
	"time"
)

// Line is one token read from the transport together with the time it was
// read. Raw keeps the line terminator.
type Line struct {
	Raw []byte
	At  time.Time
}

// lineQueue is the unbounded FIFO between the reader loop and the command
// in flight. push never blocks.
type lineQueue struct {
	mu    sync.Mutex
	items []Line
	ready chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{ready: make(chan struct{}, 1)}
}

func (q *lineQueue) push(l Line) {
	q.mu.Lock()
	q.items = append(q.items, l)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *lineQueue) tryPop() (Line, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Line{}, false
	}
	l := q.items[0]
	q.items[0] = Line{}
	q.items = q.items[1:]
	return l, true
}

// pop returns the oldest line, waiting until deadline. ok is false when the
// deadline passed first.
func (q *lineQueue) pop(ctx context.Context, deadline time.Time) (l Line, ok bool, err error) {
	if l, ok := q.tryPop(); ok {
		return l, true, nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Line{}, false, ctx.Err()
		case <-timer.C:
			// A line pushed at the very end still counts.
			l, ok := q.tryPop()
			return l, ok, nil
		case <-q.ready:
			if l, ok := q.tryPop(); ok {
				return l, true, nil
			}
		}
	}
}

// clear drops every queued line and returns how many there were.
func (q *lineQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *lineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// history keeps the most recent lines of a session for diagnostics.
type history struct {
	buf  []Line
	pos  int
	full bool
}

func newHistory(size int) *history {
	return &history{buf: make([]Line, size)}
}

func (h *history) add(l Line) {
	if len(h.buf) == 0 {
		return
	}
	h.buf[h.pos] = l
	h.pos++
	if h.pos == len(h.buf) {
		h.pos = 0
		h.full = true
	}
}

// lines returns the recorded lines, oldest first.
func (h *history) lines() []Line {
	if !h.full {
		return append([]Line(nil), h.buf[:h.pos]...)
	}
	out := make([]Line, 0, len(h.buf))
	out = append(out, h.buf[h.pos:]...)
	return append(out, h.buf[:h.pos]...)
}
