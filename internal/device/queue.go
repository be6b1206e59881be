package device

import "firestige.xyz/tern/internal/core"

// Queue is a bounded FIFO of packets. Push and Pop never block.
type Queue struct {
	ch chan *core.Packet
}

// NewQueue creates a queue holding at most n packets.
func NewQueue(n int) *Queue {
	return &Queue{ch: make(chan *core.Packet, n)}
}

// Push appends p, taking over the caller's reference. It returns
// core.ErrQueueFull without touching p when the queue is full.
func (q *Queue) Push(p *core.Packet) error {
	select {
	case q.ch <- p:
		return nil
	default:
		return core.ErrQueueFull
	}
}

// Pop removes the oldest packet, or returns nil if the queue is empty.
func (q *Queue) Pop() *core.Packet {
	select {
	case p := <-q.ch:
		return p
	default:
		return nil
	}
}

// Len returns the number of queued packets.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue bound.
func (q *Queue) Cap() int { return cap(q.ch) }

// Drain releases every queued packet and returns how many there were.
func (q *Queue) Drain() int {
	n := 0
	for p := q.Pop(); p != nil; p = q.Pop() {
		p.Release()
		n++
	}
	return n
}
