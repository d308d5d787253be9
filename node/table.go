package node

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/edwingeng/deque"
	"go.uber.org/atomic"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
)

const numShards = 64

type entryKind int

const (
	entryProcess entryKind = iota + 1
	entryService
)

// entry is the value of the process table. A process entry holds its pcb
// while the process is idle; while the pcb is on a run queue the envelopes
// addressed to the process are collected in pending.
type entry[T any] struct {
	kind    entryKind
	id      uint64
	pcb     *pcb[T]
	pending []gen.Envelope[T]
	mailbox gen.Mailbox[T]
}

type shard[T any] struct {
	sync.Mutex
	entries map[gen.PID]*entry[T]
}

type table[T any] struct {
	shards [numShards]shard[T]
	lastID atomic.Uint64

	processes atomic.Int64
	services  atomic.Int64
	dropped   atomic.Uint64

	// newly runnable pcbs. Lock order is entry lock, then this one.
	unscheduledMutex sync.Mutex
	unscheduled      deque.Deque
	wake             chan struct{}
}

func newTable[T any](wakers int) *table[T] {
	t := &table[T]{
		unscheduled: deque.NewDeque(),
		wake:        make(chan struct{}, wakers),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[gen.PID]*entry[T])
	}
	return t
}

func (t *table[T]) shard(pid gen.PID) *shard[T] {
	return &t.shards[xxhash.Sum64String(pid.String())%numShards]
}

func (t *table[T]) spawn(pid gen.PID, p *pcb[T]) error {
	s := t.shard(pid)
	s.Lock()
	defer s.Unlock()

	if _, exist := s.entries[pid]; exist {
		return gen.ErrAlreadyExists
	}
	p.id = t.lastID.Inc()
	s.entries[pid] = &entry[T]{
		kind: entryProcess,
		id:   p.id,
		pcb:  p,
	}
	t.processes.Inc()
	return nil
}

// kill removes the process entry. The pcb being run by a scheduler is
// dropped on its next deschedule.
func (t *table[T]) kill(pid gen.PID) bool {
	s := t.shard(pid)
	s.Lock()
	defer s.Unlock()

	e, exist := s.entries[pid]
	if exist == false || e.kind != entryProcess {
		return false
	}
	delete(s.entries, pid)
	t.processes.Dec()
	return true
}

func (t *table[T]) registerService(pid gen.PID, mailbox gen.Mailbox[T]) error {
	s := t.shard(pid)
	s.Lock()
	defer s.Unlock()

	if _, exist := s.entries[pid]; exist {
		return gen.ErrAlreadyExists
	}
	s.entries[pid] = &entry[T]{
		kind:    entryService,
		id:      t.lastID.Inc(),
		mailbox: mailbox,
	}
	t.services.Inc()
	return nil
}

func (t *table[T]) deregisterService(pid gen.PID) bool {
	s := t.shard(pid)
	s.Lock()
	defer s.Unlock()

	e, exist := s.entries[pid]
	if exist == false || e.kind != entryService {
		return false
	}
	delete(s.entries, pid)
	t.services.Dec()
	return true
}

// Send delivers the envelope to a local process or service. An envelope
// stamped with an incarnation is refused by any other instance of the pid.
func (t *table[T]) Send(env gen.Envelope[T]) error {
	s := t.shard(env.To)
	s.Lock()
	e, exist := s.entries[env.To]
	if exist == false || (env.Incarnation != 0 && env.Incarnation != e.id) {
		s.Unlock()
		return gen.ErrNoSuchPid
	}

	switch e.kind {
	case entryService:
		mailbox := e.mailbox
		s.Unlock()
		if err := mailbox.Deliver(env); err != nil {
			return gen.ErrNoSuchPid
		}
		return nil

	default:
		if e.pcb == nil {
			// active
			e.pending = append(e.pending, env)
			s.Unlock()
			return nil
		}
		p := e.pcb
		e.pcb = nil
		s.Unlock()

		p.mailbox = append(p.mailbox, env)
		t.pushUnscheduled(p)
		return nil
	}
}

// deschedule returns the pcb with an empty mailbox back to its entry.
// If the envelopes have arrived meanwhile they are moved to the pcb mailbox
// and the pcb is returned to be put back on the run queue. A pcb of a
// killed process is dropped.
func (t *table[T]) deschedule(p *pcb[T]) *pcb[T] {
	s := t.shard(p.pid)
	s.Lock()
	defer s.Unlock()

	e, exist := s.entries[p.pid]
	if exist == false || e.kind != entryProcess || e.id != p.id {
		return nil
	}
	if len(e.pending) == 0 {
		e.pcb = p
		return nil
	}
	e.pending, p.mailbox = p.mailbox[:0], e.pending
	return p
}

func (t *table[T]) pushUnscheduled(p *pcb[T]) {
	t.unscheduledMutex.Lock()
	t.unscheduled.PushBack(p)
	t.unscheduledMutex.Unlock()
	t.signal()
}

// popUnscheduled takes up to limit pcbs from the unscheduled deque
func (t *table[T]) popUnscheduled(limit int, f func(p *pcb[T])) int {
	t.unscheduledMutex.Lock()
	defer t.unscheduledMutex.Unlock()
	n := 0
	for n < limit && t.unscheduled.Empty() == false {
		f(t.unscheduled.PopFront().(*pcb[T]))
		n++
	}
	return n
}

func (t *table[T]) unscheduledLen() int {
	t.unscheduledMutex.Lock()
	defer t.unscheduledMutex.Unlock()
	return t.unscheduled.Len()
}

// signal wakes up one sleeping scheduler
func (t *table[T]) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// sleep blocks until a signal arrives, the timeout elapses or the context
// is canceled. Returns false on cancellation.
func (t *table[T]) sleep(ctx context.Context, timeout time.Duration) bool {
	timer := lib.TakeTimer(timeout)
	defer lib.ReleaseTimer(timer)
	select {
	case <-t.wake:
	case <-timer.C:
	case <-ctx.Done():
		return false
	}
	return true
}

func (t *table[T]) len() (int, int) {
	return int(t.processes.Load()), int(t.services.Load())
}

// servicePIDs returns the pids of registered services
func (t *table[T]) servicePIDs() []gen.PID {
	var pids []gen.PID
	for i := range t.shards {
		s := &t.shards[i]
		s.Lock()
		for pid, e := range s.entries {
			if e.kind == entryService {
				pids = append(pids, pid)
			}
		}
		s.Unlock()
	}
	return pids
}
