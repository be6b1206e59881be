package netstack

import (
	"sync"
	"time"

	"firestige.xyz/tern/internal/core"
)

// stream is the bounded inbound buffer of a connection. The dispatch loop
// appends, the owner reads. Each append is one message so datagram readers
// can keep packet boundaries.
type stream struct {
	mu     sync.Mutex
	buf    []byte
	lens   []int // message lengths, oldest first; they sum to len(buf)
	limit  int
	closed bool
	ready  chan struct{} // closed and replaced whenever data arrives
}

func newStream(limit int) *stream {
	return &stream{limit: limit, ready: make(chan struct{})}
}

// Append stores as much of data as fits and returns how many bytes were kept.
func (s *stream) Append(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := min(len(data), s.limit-len(s.buf))
	if n <= 0 {
		return 0
	}
	s.buf = append(s.buf, data[:n]...)
	s.lens = append(s.lens, n)
	close(s.ready)
	s.ready = make(chan struct{})
	return n
}

// Read consumes up to len(p) bytes regardless of message boundaries.
func (s *stream) Read(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.buf)
	s.consume(n)
	return n
}

// ReadMessage consumes the oldest message. When p is too short the rest of
// the message is discarded.
func (s *stream) ReadMessage(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lens) == 0 {
		return 0
	}
	size := s.lens[0]
	n := copy(p, s.buf[:size])
	s.consume(size)
	return n
}

// consume drops n bytes from the front, shortening or removing messages.
func (s *stream) consume(n int) {
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
	for n > 0 && len(s.lens) > 0 {
		if s.lens[0] > n {
			s.lens[0] -= n
			return
		}
		n -= s.lens[0]
		s.lens = s.lens[1:]
	}
}

// Count returns the number of buffered bytes.
func (s *stream) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Space returns the free room.
func (s *stream) Space() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit - len(s.buf)
}

// Wait blocks until data is buffered, the stream closes or timeout passes.
func (s *stream) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			s.mu.Unlock()
			return nil
		}
		if s.closed {
			s.mu.Unlock()
			return core.ErrConnClosed
		}
		ch := s.ready
		s.mu.Unlock()

		d := time.Until(deadline)
		if d <= 0 {
			return core.ErrTimeout
		}
		timer := time.NewTimer(d)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return core.ErrTimeout
		}
	}
}

// Close wakes readers. Buffered data stays readable.
func (s *stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ready)
}
