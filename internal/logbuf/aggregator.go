package logbuf

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	readChunkSize = 32 * 1024
	maxLineBytes  = 64 * 1024
	queueSize     = 256
)

type chunk struct {
	tag     Tag
	data    []byte
	eof     bool
	at      time.Time
	barrier chan struct{}
}

// Aggregator turns raw output chunks into tagged lines. Reader tasks only copy
// bytes off their stream and queue them; a single appender goroutine does the
// normalization and the ring mutation.
type Aggregator struct {
	ring   *Ring
	chunks chan chunk

	// pending holds the unterminated tail of each stream. Owned by the appender.
	pending map[Tag][]byte

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAggregator(ring *Ring) *Aggregator {
	a := &Aggregator{
		ring:    ring,
		chunks:  make(chan chunk, queueSize),
		pending: make(map[Tag][]byte),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Ring exposes the backing buffer.
func (a *Aggregator) Ring() *Ring {
	return a.ring
}

// Attach starts a reader task copying r into the buffer under tag. The
// returned channel is closed once r reports EOF or an error and every byte
// read has been queued.
func (a *Aggregator) Attach(tag Tag, r io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, readChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				a.enqueue(chunk{tag: tag, data: data, at: time.Now()})
			}
			if err != nil {
				break
			}
		}
		a.enqueue(chunk{tag: tag, eof: true, at: time.Now()})
	}()
	return done
}

// Logf records a supervisor line. It goes through the same queue as stream
// output so it lands after anything already read.
func (a *Aggregator) Logf(tag Tag, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	a.enqueue(chunk{tag: tag, data: []byte(text + "\n"), at: time.Now()})
}

// Sync blocks until everything queued before the call is in the ring.
func (a *Aggregator) Sync() {
	barrier := make(chan struct{})
	if !a.enqueue(chunk{barrier: barrier}) {
		return
	}
	<-barrier
}

// Close drains the queue and stops the appender. Chunks queued afterwards are
// dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.chunks)
	a.mu.Unlock()
	<-a.done
}

func (a *Aggregator) enqueue(c chunk) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	a.chunks <- c
	return true
}

func (a *Aggregator) run() {
	defer close(a.done)
	for c := range a.chunks {
		a.consume(c)
	}
}

func (a *Aggregator) consume(c chunk) {
	if c.barrier != nil {
		close(c.barrier)
		return
	}

	if c.eof {
		if rest := a.pending[c.tag]; len(rest) > 0 {
			a.ring.Append(makeLine(c.tag, rest, c.at))
		}
		delete(a.pending, c.tag)
		return
	}

	complete, rest := SplitLines(append(a.pending[c.tag], c.data...))
	if len(rest) > maxLineBytes {
		complete = append(complete, rest)
		rest = nil
	}
	if len(rest) > 0 {
		a.pending[c.tag] = rest
	} else {
		delete(a.pending, c.tag)
	}

	if len(complete) == 0 {
		return
	}
	lines := make([]Line, len(complete))
	for i, raw := range complete {
		lines[i] = makeLine(c.tag, raw, c.at)
	}
	a.ring.Append(lines...)
}

// SplitLines normalizes CRLF and lone CR terminators to LF and splits data
// into complete lines plus the unterminated remainder. A trailing CR is left in
// the remainder since its LF may arrive with the next chunk.
func SplitLines(data []byte) (complete [][]byte, rest []byte) {
	held := []byte(nil)
	if n := len(data); n > 0 && data[n-1] == '\r' {
		data, held = data[:n-1], []byte{'\r'}
	}

	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))

	parts := bytes.Split(data, []byte("\n"))
	complete = parts[:len(parts)-1]
	rest = parts[len(parts)-1]
	if held != nil {
		rest = append(append([]byte(nil), rest...), held...)
	}
	return complete, rest
}

func makeLine(tag Tag, raw []byte, at time.Time) Line {
	// A held CR at EOF is a terminator, not content.
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	return Line{
		Tag:  tag,
		Text: strings.ToValidUTF8(string(raw), "�"),
		Time: at,
	}
}
