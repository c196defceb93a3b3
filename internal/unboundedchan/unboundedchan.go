// Package unboundedchan provides a FIFO queue of unlimited depth whose ends are
// ordinary channels, so that a producer can hand off values without ever waiting
// on a slow consumer.
package unboundedchan

import "sync/atomic"

// UnboundedChannel is an unbounded queue, with data entered and removed via channels.
// Beware! You almost certainly want T to be a primitive type; use pointers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	pending atomic.Int64 // items accepted on in but not yet taken from out
}

// NewUnboundedChannel creates and initializes an UnboundedChannel and starts
// the goroutine that moves data from In() to Out().
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	defer close(uc.out)
	in := uc.in
	for in != nil || len(uc.queue) > 0 {
		// A nil channel blocks forever, which disables that select case.
		var out chan T
		var next T
		if len(uc.queue) > 0 {
			out = uc.out
			next = uc.queue[0]
		}
		select {
		case val, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			uc.pending.Add(1)
			uc.queue = append(uc.queue, val)
		case out <- next:
			var zero T
			uc.queue[0] = zero
			uc.queue = uc.queue[1:]
			uc.pending.Add(-1)
		}
	}
}

// In returns the input channel for sending data. Close it (or call Close) when
// done; Out() is closed once everything queued has been received.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Close closes the input channel. Must be called at most once, and not after
// closing In() directly.
func (uc *UnboundedChannel[T]) Close() {
	close(uc.in)
}

// Len is the number of items queued and not yet received.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.pending.Load())
}
