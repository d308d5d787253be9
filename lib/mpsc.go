// Lock-free unbounded MPSC queue (Multiple Producers Single Consumer)

package lib

import (
	"go.uber.org/atomic"
)

type QueueMPSC[V any] struct {
	head   atomic.Pointer[itemMPSC[V]]
	tail   *itemMPSC[V] // consumer only
	length atomic.Int64
}

type itemMPSC[V any] struct {
	value V
	next  atomic.Pointer[itemMPSC[V]]
}

func NewQueueMPSC[V any]() *QueueMPSC[V] {
	emptyItem := &itemMPSC[V]{}
	q := &QueueMPSC[V]{
		tail: emptyItem,
	}
	q.head.Store(emptyItem)
	return q
}

// Push can be called from any goroutine
func (q *QueueMPSC[V]) Push(value V) {
	i := &itemMPSC[V]{
		value: value,
	}
	q.length.Inc()
	oldHead := q.head.Swap(i)
	oldHead.next.Store(i)
}

// Pop must be called by the single consumer only
func (q *QueueMPSC[V]) Pop() (V, bool) {
	var empty V
	tailNext := q.tail.next.Load()
	if tailNext == nil {
		return empty, false
	}

	value := tailNext.value
	tailNext.value = empty // let the GC free the value

	q.tail = tailNext
	q.length.Dec()
	return value, true
}

// Len returns the number of items in the queue
func (q *QueueMPSC[V]) Len() int64 {
	return q.length.Load()
}
