package node

import (
	"time"

	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
)

// pcb is the process control block. It is owned by exactly one of the
// process table entry (idle), the unscheduled deque or a scheduler run
// queue.
type pcb[T any] struct {
	id      uint64
	pid     gen.PID
	process gen.Process[T]
	mailbox []gen.Envelope[T]
	log     *zap.Logger

	nextTimer gen.TimerID
	// number of quanta executed since the pcb was stolen
	residence int

	handled uint64
	timers  uint64
	started time.Time
	runtime time.Duration
}

func newPCB[T any](pid gen.PID, process gen.Process[T], log *zap.Logger) *pcb[T] {
	return &pcb[T]{
		pid:     pid,
		process: process,
		log:     log.With(zap.Stringer("pid", pid)),
		started: time.Now(),
	}
}

func (p *pcb[T]) metrics() map[string]int64 {
	return map[string]int64{
		"handled":    int64(p.handled),
		"timers":     int64(p.timers),
		"mailbox":    int64(len(p.mailbox)),
		"uptime_ms":  time.Since(p.started).Milliseconds(),
		"runtime_us": p.runtime.Microseconds(),
	}
}

// terminal collects the side effects of a single Handle call. They are
// flushed by the scheduler once Handle returns.
type terminal[T any] struct {
	pcb    *pcb[T]
	out    []gen.Envelope[T]
	timers []gen.Timer
}

func (t *terminal[T]) Self() gen.PID {
	return t.pcb.pid
}

func (t *terminal[T]) Send(to gen.PID, msg gen.Msg[T]) {
	t.SendCorrelated(to, msg, nil)
}

func (t *terminal[T]) SendCorrelated(to gen.PID, msg gen.Msg[T], cid *gen.CorrelationID) {
	t.out = append(t.out, gen.Envelope[T]{
		To:            to,
		From:          t.pcb.pid,
		Msg:           msg,
		CorrelationID: cid,
	})
}

func (t *terminal[T]) StartTimer(after time.Duration) gen.TimerID {
	t.pcb.nextTimer++
	t.pcb.timers++
	id := t.pcb.nextTimer
	t.timers = append(t.timers, gen.Timer{Owner: t.pcb.pid, Incarnation: t.pcb.id, ID: id, After: after})
	return id
}

func (t *terminal[T]) CancelTimer(id gen.TimerID) {
	t.timers = append(t.timers, gen.Timer{Owner: t.pcb.pid, Incarnation: t.pcb.id, ID: id, Cancel: true})
}

func (t *terminal[T]) Log() *zap.Logger {
	return t.pcb.log
}

func (t *terminal[T]) reset(p *pcb[T]) {
	t.pcb = p
	for i := range t.out {
		t.out[i] = gen.Envelope[T]{}
	}
	t.out = t.out[:0]
	t.timers = t.timers[:0]
}
