// Package logbuf captures the engine's output into a bounded in-memory buffer.
//
// Ring is the storage: a fixed-capacity, insertion-ordered line store that
// evicts the oldest lines first. Aggregator feeds it from the child's output
// streams without ever blocking the reader tasks on buffer mutation.
package logbuf

import (
	"strings"
	"sync"
	"time"
)

// Tag identifies where a line came from.
type Tag string

const (
	TagOut  Tag = "OUT"
	TagErr  Tag = "ERR"
	TagProc Tag = "PROC"
)

// Line is a single buffered record.
type Line struct {
	Tag  Tag
	Text string
	Time time.Time
}

// String renders the line the way TailText returns it.
func (l Line) String() string {
	return "[" + string(l.Tag) + "] " + l.Text
}

// Ring is a fixed-capacity circular buffer of lines. It is safe for
// concurrent use.
type Ring struct {
	mu    sync.RWMutex
	lines []Line
	start int
	size  int
	total uint64
}

// NewRing returns a ring holding at most capacity lines. Non-positive
// capacities are raised to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{lines: make([]Line, capacity)}
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.lines)
}

// Len returns the number of buffered lines; never more than Cap.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Total returns how many lines were ever appended, evicted ones included.
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Append adds lines in order, evicting the oldest entries once full.
func (r *Ring) Append(lines ...Line) {
	if len(lines) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.lines)
	for _, l := range lines {
		if l.Time.IsZero() {
			l.Time = time.Now()
		}
		r.total++
		if r.size < capacity {
			r.lines[(r.start+r.size)%capacity] = l
			r.size++
			continue
		}
		r.lines[r.start] = l
		r.start = (r.start + 1) % capacity
	}
}

// Tail returns up to n of the most recent lines, oldest first.
func (r *Ring) Tail(n int) []Line {
	if n <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	out := make([]Line, n)
	capacity := len(r.lines)
	first := r.start + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.lines[(first+i)%capacity]
	}
	return out
}

// TailText renders Tail(n) as newline separated text. n <= 0 yields "".
func (r *Ring) TailText(n int) string {
	lines := r.Tail(n)
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.String())
	}
	return b.String()
}

// Reset drops every buffered line.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.lines)
	r.start = 0
	r.size = 0
}
