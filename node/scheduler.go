package node

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
)

// remote is the part of the cluster server used by the schedulers
type remote[T any] interface {
	Send(env gen.Envelope[T]) error
	Timer(t gen.Timer) error
}

type schedulerOptions struct {
	quantum      int
	drainBatch   int
	minResidence int
	sleep        time.Duration
}

type scheduler[T any] struct {
	id      int
	self    gen.NodeID
	table   *table[T]
	remote  remote[T]
	options schedulerOptions
	log     *zap.Logger

	// run queue. The owner pops from the front, thieves from the back.
	mutex sync.Mutex
	queue deque.Deque

	peers  []*scheduler[T]
	victim int

	term terminal[T]

	handled atomic.Uint64
	steals  atomic.Uint64
	sleeps  atomic.Uint64

	handledCounter prometheus.Counter
	stealsCounter  prometheus.Counter
	sleepsCounter  prometheus.Counter
	droppedCounter prometheus.Counter
	processes      prometheus.Gauge
}

func newScheduler[T any](id int, self gen.NodeID, t *table[T], r remote[T], options schedulerOptions, log *zap.Logger) *scheduler[T] {
	label := self.String()
	sid := strconv.Itoa(id)
	return &scheduler[T]{
		id:             id,
		self:           self,
		table:          t,
		remote:         r,
		options:        options,
		log:            log.Named("scheduler").With(zap.Int("scheduler", id)),
		queue:          deque.NewDeque(),
		victim:         id,
		handledCounter: handledTotal.WithLabelValues(label, sid),
		stealsCounter:  stealsTotal.WithLabelValues(label, sid),
		sleepsCounter:  sleepsTotal.WithLabelValues(label, sid),
		droppedCounter: droppedTotal.WithLabelValues(label),
		processes:      processesGauge.WithLabelValues(label),
	}
}

func (s *scheduler[T]) run(ctx context.Context) error {
	s.log.Debug("scheduler started")
	defer s.log.Debug("scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.drain()

		p := s.pop()
		if p == nil {
			p = s.steal()
		}
		if p == nil {
			s.sleeps.Inc()
			s.sleepsCounter.Inc()
			if s.table.sleep(ctx, s.options.sleep) == false {
				return nil
			}
			continue
		}

		if err := s.execute(p); err != nil {
			// node is shutting down
			s.log.Debug("scheduler exits", zap.Error(err))
			return nil
		}
	}
}

// drain moves a batch of newly runnable pcbs to the run queue
func (s *scheduler[T]) drain() {
	s.mutex.Lock()
	n := s.table.popUnscheduled(s.options.drainBatch, func(p *pcb[T]) {
		// a pcb coming from the table can be stolen right away
		p.residence = s.options.minResidence
		s.queue.PushBack(p)
	})
	queued := s.queue.Len()
	s.mutex.Unlock()

	if n > 0 && queued > 1 {
		// let a sleeping peer steal
		s.table.signal()
	}
}

func (s *scheduler[T]) push(p *pcb[T]) {
	s.mutex.Lock()
	s.queue.PushBack(p)
	s.mutex.Unlock()
}

func (s *scheduler[T]) pop() *pcb[T] {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.queue.Empty() {
		return nil
	}
	return s.queue.PopFront().(*pcb[T])
}

// stealBack is called by the thieves
func (s *scheduler[T]) stealBack(minResidence int) *pcb[T] {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.queue.Len() < 2 {
		return nil
	}
	p := s.queue.Back().(*pcb[T])
	if p.residence < minResidence {
		return nil
	}
	s.queue.PopBack()
	return p
}

// steal walks the peers round-robin starting after the last victim
func (s *scheduler[T]) steal() *pcb[T] {
	n := len(s.peers)
	for i := 1; i <= n; i++ {
		idx := (s.victim + i) % n
		peer := s.peers[idx]
		if peer == s {
			continue
		}
		p := peer.stealBack(s.options.minResidence)
		if p == nil {
			continue
		}
		s.victim = idx
		p.residence = 0
		s.steals.Inc()
		s.stealsCounter.Inc()
		return p
	}
	return nil
}

func (s *scheduler[T]) queued() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.queue.Len()
}

// execute handles up to a quantum of envelopes of the pcb. Returns an
// error if the node has been terminated.
func (s *scheduler[T]) execute(p *pcb[T]) error {
	p.residence++
	start := time.Now()
	handled := 0
	alive := true

	for handled < s.options.quantum && len(p.mailbox) > 0 {
		env := p.mailbox[0]
		p.mailbox[0] = gen.Envelope[T]{}
		p.mailbox = p.mailbox[1:]
		handled++

		var err error
		alive, err = s.handle(p, env)
		if err != nil {
			return err
		}
		if alive == false {
			break
		}
	}

	p.runtime += time.Since(start)
	s.handled.Add(uint64(handled))
	s.handledCounter.Add(float64(handled))

	if alive == false {
		return nil
	}
	if len(p.mailbox) > 0 {
		// quantum is over
		s.push(p)
		return nil
	}
	if next := s.table.deschedule(p); next != nil {
		s.push(next)
	}
	return nil
}

// handle runs a single envelope. It returns false if the process has
// stopped.
func (s *scheduler[T]) handle(p *pcb[T], env gen.Envelope[T]) (bool, error) {
	p.handled++

	if env.Msg.Kind == gen.MsgKindReq {
		switch env.Msg.Req.Kind {
		case gen.ReqGetMetrics:
			reply := gen.Envelope[T]{
				To:            env.From,
				From:          p.pid,
				Msg:           gen.MsgRpy[T](gen.Rpy{Kind: gen.RpyMetrics, Metrics: p.metrics()}),
				CorrelationID: env.CorrelationID,
			}
			return true, s.route(reply)

		case gen.ReqShutdown:
			p.log.Debug("process stopped", zap.Stringer("by", env.From))
			s.kill(p)
			return false, nil
		}
	}

	s.term.reset(p)
	herr := s.call(p, env)

	for _, t := range s.term.timers {
		if err := s.remote.Timer(t); err != nil {
			return false, err
		}
	}
	for _, out := range s.term.out {
		if err := s.route(out); err != nil {
			return false, err
		}
	}
	s.term.reset(nil)

	if herr != nil {
		p.log.Info("process terminated", zap.Error(herr))
		s.kill(p)
		return false, nil
	}
	return true, nil
}

func (s *scheduler[T]) kill(p *pcb[T]) {
	if s.table.kill(p.pid) {
		processes, _ := s.table.len()
		s.processes.Set(float64(processes))
	}
}

// call invokes the process. A panic is turned into an error.
func (s *scheduler[T]) call(p *pcb[T], env gen.Envelope[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("process panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return p.process.Handle(&s.term, env.Msg, env.From, env.CorrelationID)
}

// route sends the envelope to a local pid or to the cluster server. Only
// the termination of the node is returned as an error.
func (s *scheduler[T]) route(env gen.Envelope[T]) error {
	if env.To.Node == s.self {
		if err := s.table.Send(env); err != nil {
			s.table.dropped.Inc()
			s.droppedCounter.Inc()
			if ce := s.log.Check(zap.DebugLevel, "envelope dropped"); ce != nil {
				ce.Write(zap.Stringer("envelope", env), zap.Error(err))
			}
		}
		return nil
	}
	if err := s.remote.Send(env); err != nil {
		return err
	}
	return nil
}

func (s *scheduler[T]) status() gen.SchedulerStatus {
	return gen.SchedulerStatus{
		ID:      s.id,
		Queued:  s.queued(),
		Handled: s.handled.Load(),
		Steals:  s.steals.Load(),
		Sleeps:  s.sleeps.Load(),
	}
}
