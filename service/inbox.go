// Package service hosts the components which run on their own goroutine
// next to the scheduler pool: a plain service with an inbox and the TCP
// server service.
package service

import (
	"context"

	"go.uber.org/atomic"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
)

// Inbox is an unbounded mailbox with a single consumer. It implements
// gen.Mailbox and can be registered in the process table.
type Inbox[T any] struct {
	queue  *lib.QueueMPSC[gen.Envelope[T]]
	notify chan struct{}
	closed atomic.Bool
	// deliveries past the closed check
	writers atomic.Int32
}

func NewInbox[T any]() *Inbox[T] {
	return &Inbox[T]{
		queue:  lib.NewQueueMPSC[gen.Envelope[T]](),
		notify: make(chan struct{}, 1),
	}
}

// Deliver can be called from any goroutine
func (i *Inbox[T]) Deliver(env gen.Envelope[T]) error {
	i.writers.Inc()
	if i.closed.Load() {
		i.writers.Dec()
		i.signal()
		return gen.ErrMailboxClosed
	}
	i.queue.Push(env)
	i.writers.Dec()
	i.signal()
	return nil
}

// Receive blocks until an envelope arrives. It returns
// gen.ErrMailboxClosed once the inbox is closed and drained.
func (i *Inbox[T]) Receive(ctx context.Context) (gen.Envelope[T], error) {
	for {
		if env, ok := i.queue.Pop(); ok {
			return env, nil
		}
		if i.closed.Load() && i.writers.Load() == 0 {
			// a delivery accepted before Close has been pushed by now
			if env, ok := i.queue.Pop(); ok {
				return env, nil
			}
			return gen.Envelope[T]{}, gen.ErrMailboxClosed
		}
		select {
		case <-i.notify:
		case <-ctx.Done():
			return gen.Envelope[T]{}, ctx.Err()
		}
	}
}

func (i *Inbox[T]) TryReceive() (gen.Envelope[T], bool) {
	return i.queue.Pop()
}

// Notify returns the channel signaled on every delivery. It allows the
// consumer to wait for the inbox together with other channels.
func (i *Inbox[T]) Notify() <-chan struct{} {
	return i.notify
}

func (i *Inbox[T]) Len() int {
	return int(i.queue.Len())
}

// Close makes the following deliveries fail. The queued envelopes can
// still be received.
func (i *Inbox[T]) Close() {
	if i.closed.Swap(true) {
		return
	}
	i.signal()
}

func (i *Inbox[T]) signal() {
	select {
	case i.notify <- struct{}{}:
	default:
	}
}
