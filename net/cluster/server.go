// Package cluster implements the node-to-node part of the runtime: a single
// reactor goroutine which keeps the membership set, maintains at most one
// TCP connection per peer, routes remote envelopes and drives process
// timers.
package cluster

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
	"github.com/ergo-services/rabble/net/codec"
)

// Options of the cluster server. Zero values are replaced by the defaults
// from the gen package.
type Options[T any] struct {
	Codec  codec.Codec[T]
	Router gen.Router[T]
	Logger *zap.Logger
	Clock  clock.Clock

	// Listener is used instead of binding the node address. Tests use it
	// to pick a free port.
	Listener net.Listener

	RequestTimeout   time.Duration
	Tick             time.Duration
	TimerResolution  time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DialTimeout      time.Duration
	InboxSize        int
}

// Server is the cluster server. All the state is owned by the reactor
// goroutine running Serve; the exported methods post requests to it.
type Server[T any] struct {
	self    gen.NodeID
	pid     gen.PID
	options Options[T]
	codec   codec.Codec[T]
	router  gen.Router[T]
	log     *zap.Logger
	clock   clock.Clock

	listener net.Listener
	inbox    chan request[T]
	events   chan event[T]
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup // io goroutines

	// reactor state
	lastConnID  uint64
	conns       map[uint64]*connection[T]
	established map[gen.NodeID]uint64
	connecting  map[gen.NodeID]uint64
	members     *lib.ORSet[gen.NodeID]
	liveness    *lib.Wheel[uint64]
	timers      *lib.Wheel[timerKey]
	backoff     map[gen.NodeID]*peerBackoff
	monitors    map[gen.PID]struct{}
	dropped     uint64
	dialCtx     context.Context
	dialCancel  context.CancelFunc
}

const maxEventBatch = 64

type timerKey struct {
	pid         gen.PID
	incarnation uint64
	id          gen.TimerID
}

type peerBackoff struct {
	backoff backoff.BackOff
	next    time.Time
}

type requestKind int

const (
	requestEnvelope requestKind = iota + 1
	requestJoin
	requestLeave
	requestTimer
	requestStatus
	requestMonitor
	requestShutdown
)

type request[T any] struct {
	kind     requestKind
	envelope gen.Envelope[T]
	node     gen.NodeID
	timer    gen.Timer
	pid      gen.PID
	status   chan<- gen.ClusterStatus
}

// NewServer binds the listening socket. The reactor is started by Serve.
func NewServer[T any](self gen.NodeID, options Options[T]) (*Server[T], error) {
	if options.Router == nil {
		return nil, errors.New("router is not set")
	}
	if options.Codec == nil {
		options.Codec = codec.MsgPack[T]{}
	}
	if options.Logger == nil {
		options.Logger = zap.L()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = gen.DefaultRequestTimeout
	}
	if options.Tick <= 0 {
		options.Tick = gen.DefaultTick
	}
	if options.TimerResolution <= 0 {
		options.TimerResolution = gen.DefaultTimerResolution
	}
	if options.ReconnectInitial <= 0 {
		options.ReconnectInitial = gen.DefaultReconnectInitial
	}
	if options.ReconnectMax <= 0 {
		options.ReconnectMax = gen.DefaultReconnectMax
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = options.RequestTimeout
	}
	if options.InboxSize <= 0 {
		options.InboxSize = 1024
	}

	listener := options.Listener
	if listener == nil {
		lc := net.ListenConfig{KeepAlive: gen.DefaultKeepAlivePeriod}
		l, err := lc.Listen(context.Background(), "tcp", self.Addr)
		if err != nil {
			return nil, gen.ErrRegistrar.Wrap(err).GenWithStackByArgs(self.Addr)
		}
		listener = l
	}

	now := options.Clock.Now()
	s := &Server[T]{
		self:        self,
		pid:         gen.PID{Name: "cluster", Node: self},
		options:     options,
		codec:       options.Codec,
		router:      options.Router,
		log:         options.Logger.Named("cluster").With(zap.Stringer("node", self)),
		clock:       options.Clock,
		listener:    listener,
		inbox:       make(chan request[T], options.InboxSize),
		events:      make(chan event[T], options.InboxSize),
		done:        make(chan struct{}),
		conns:       make(map[uint64]*connection[T]),
		established: make(map[gen.NodeID]uint64),
		connecting:  make(map[gen.NodeID]uint64),
		members:     lib.NewORSet[gen.NodeID](),
		liveness:    lib.NewWheel[uint64](options.Tick, now),
		timers:      lib.NewWheel[timerKey](options.TimerResolution, now),
		backoff:     make(map[gen.NodeID]*peerBackoff),
		monitors:    make(map[gen.PID]struct{}),
	}
	s.members.Add(self.String(), self)
	s.dialCtx, s.dialCancel = context.WithCancel(context.Background())
	return s, nil
}

// Addr returns the address of the listening socket
func (s *Server[T]) Addr() net.Addr {
	return s.listener.Addr()
}

// PID returns the pid used as the sender of the notifications
func (s *Server[T]) PID() gen.PID {
	return s.pid
}

// Done is closed once the reactor has stopped accepting requests
func (s *Server[T]) Done() <-chan struct{} {
	return s.done
}

//
// public API. Every method is safe for concurrent use.
//

// Send routes the envelope to the established connection of env.To.Node.
func (s *Server[T]) Send(env gen.Envelope[T]) error {
	return s.post(request[T]{kind: requestEnvelope, envelope: env})
}

// Join adds the node to the membership and connects to it. Join of the
// own node id brings the node back after it was removed by a peer.
func (s *Server[T]) Join(node gen.NodeID) error {
	return s.post(request[T]{kind: requestJoin, node: node})
}

// Leave removes the node from the membership. Leave of the own node id
// disconnects the node from everyone.
func (s *Server[T]) Leave(node gen.NodeID) error {
	return s.post(request[T]{kind: requestLeave, node: node})
}

// Timer starts or cancels a process timer
func (s *Server[T]) Timer(t gen.Timer) error {
	return s.post(request[T]{kind: requestTimer, timer: t})
}

// Status sends the cluster status to the given channel
func (s *Server[T]) Status(reply chan<- gen.ClusterStatus) error {
	return s.post(request[T]{kind: requestStatus, status: reply})
}

// MonitorNodes subscribes the pid to NodeUp/NodeDown notifications
func (s *Server[T]) MonitorNodes(pid gen.PID) error {
	return s.post(request[T]{kind: requestMonitor, pid: pid})
}

// Shutdown asks the reactor to close every connection and exit
func (s *Server[T]) Shutdown() {
	s.post(request[T]{kind: requestShutdown})
}

func (s *Server[T]) post(r request[T]) error {
	select {
	case <-s.done:
		return gen.ErrNodeTerminated
	default:
	}
	select {
	case s.inbox <- r:
		return nil
	case <-s.done:
		return gen.ErrNodeTerminated
	}
}

//
// reactor
//

// Serve runs the reactor until Shutdown is called or the context is
// canceled. A listener failure is returned as an error.
func (s *Server[T]) Serve(ctx context.Context) error {
	s.log.Info("cluster server started", zap.Stringer("addr", s.listener.Addr()))
	defer s.stop()

	s.wg.Add(1)
	go s.accept()

	tick := s.clock.Ticker(s.options.Tick)
	defer tick.Stop()
	timerTick := s.clock.Ticker(s.options.TimerResolution)
	defer timerTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case r := <-s.inbox:
			if r.kind == requestShutdown {
				s.log.Info("shutdown requested")
				return nil
			}
			s.handleRequest(r)

		case ev := <-s.events:
			if err := s.handleEvents(ev); err != nil {
				return err
			}

		case <-tick.C:
			s.handleTick()

		case <-timerTick.C:
			s.advanceTimers()
		}
	}
}

func (s *Server[T]) stop() {
	s.doneOnce.Do(func() { close(s.done) })
	s.dialCancel()
	s.listener.Close()
	for _, c := range s.conns {
		s.closeConn(c, errors.Trace(gen.ErrShutdown.GenWithStackByArgs()))
	}
	s.wg.Wait()
	s.cleanupMetrics()
	s.log.Info("cluster server stopped")
}

// handleEvents processes the event and everything queued behind it.
// Connection errors are aggregated, a listener failure stops the reactor.
func (s *Server[T]) handleEvents(first event[T]) error {
	var errs error
	n := 0
	ev := first
	for {
		n++
		if err := s.handleEvent(ev); err != nil {
			if ev.kind == eventListenerFailed {
				s.record("registrar", err)
				return err
			}
			errs = multierr.Append(errs, err)
		}
		if n == maxEventBatch {
			break
		}
		var more bool
		select {
		case ev = <-s.events:
			more = true
		default:
		}
		if more == false {
			break
		}
	}

	if errs != nil {
		err := gen.ErrPollNotification.Wrap(errs).GenWithStackByArgs(n)
		s.log.Debug("failed to process events", zap.Error(err))
	}
	return nil
}

func (s *Server[T]) handleRequest(r request[T]) {
	switch r.kind {
	case requestEnvelope:
		s.routeOutbound(r.envelope)

	case requestJoin:
		s.join(r.node)

	case requestLeave:
		s.leave(r.node)

	case requestTimer:
		key := timerKey{pid: r.timer.Owner, incarnation: r.timer.Incarnation, id: r.timer.ID}
		if r.timer.Cancel {
			s.timers.Remove(key)
		} else {
			s.timers.Insert(key, r.timer.After)
		}
		timersGauge.WithLabelValues(s.self.String()).Set(float64(s.timers.Len()))

	case requestStatus:
		status := s.status()
		reply := r.status
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case reply <- status:
			case <-s.done:
			}
		}()

	case requestMonitor:
		s.monitors[r.pid] = struct{}{}
	}
}

func (s *Server[T]) handleTick() {
	now := s.clock.Now()

	for _, id := range s.liveness.Advance(now) {
		if c, found := s.conns[id]; found {
			s.closeConn(c, errors.Errorf("no frames received within %s", s.options.RequestTimeout))
		}
	}

	if err := s.broadcast(gen.ExternalMsgPing[T]()); err != nil {
		s.log.Debug("ping broadcast failed", zap.Error(err))
	}

	s.reconcile(now)
}

func (s *Server[T]) advanceTimers() {
	expired := s.timers.Advance(s.clock.Now())
	if len(expired) == 0 {
		return
	}
	for _, key := range expired {
		env := gen.Envelope[T]{
			To:          key.pid,
			From:        key.pid,
			Msg:         gen.MsgTimeout[T](key.id),
			Incarnation: key.incarnation,
		}
		if err := s.router.Send(env); err != nil {
			s.record("send", gen.ErrSend.Wrap(err).GenWithStackByArgs(key.pid))
		}
	}
	timersGauge.WithLabelValues(s.self.String()).Set(float64(s.timers.Len()))
}

func (s *Server[T]) routeOutbound(env gen.Envelope[T]) {
	id, found := s.established[env.To.Node]
	if found == false {
		s.drop(env, "no connection")
		return
	}
	c := s.conns[id]
	msg := gen.ExternalMsgEnvelope(env)
	if err := s.write(c, &msg); err != nil {
		s.drop(env, "write failed")
	}
}

func (s *Server[T]) routeInbound(c *connection[T], env gen.Envelope[T]) {
	if env.To.Node != s.self {
		s.drop(env, "not addressed to this node")
		return
	}
	if err := s.router.Send(env); err != nil {
		s.record("send", gen.ErrSend.Wrap(err).GenWithStackByArgs(env.To))
		s.drop(env, "no such pid")
	}
}

func (s *Server[T]) drop(env gen.Envelope[T], reason string) {
	s.dropped++
	droppedTotal.WithLabelValues(s.self.String()).Inc()
	if ce := s.log.Check(zap.DebugLevel, "envelope dropped"); ce != nil {
		ce.Write(zap.Stringer("envelope", env), zap.String("reason", reason))
	}
}

// broadcast writes the message to every established connection. The
// connections failed to write are closed.
func (s *Server[T]) broadcast(msg gen.ExternalMsg[T]) error {
	var errs error
	for _, id := range s.established {
		c := s.conns[id]
		if err := s.write(c, &msg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		err := gen.ErrBroadcast.Wrap(errs).GenWithStackByArgs(msg.Kind)
		s.record("broadcast", err)
		return err
	}
	return nil
}

func (s *Server[T]) notify(kind gen.NotifyKind, node gen.NodeID) {
	for pid := range s.monitors {
		env := gen.Envelope[T]{
			To:   pid,
			From: s.pid,
			Msg:  gen.MsgNotify[T](gen.Notify{Kind: kind, Node: node}),
		}
		if err := s.router.Send(env); err != nil {
			// monitor has gone
			delete(s.monitors, pid)
		}
	}
}

func (s *Server[T]) status() gen.ClusterStatus {
	status := gen.ClusterStatus{
		Self:        s.self,
		Members:     s.sortedMembers(),
		Connections: len(s.conns),
		Timers:      s.timers.Len(),
		Dropped:     s.dropped,
	}
	for node, id := range s.established {
		c := s.conns[id]
		status.Established = append(status.Established, gen.PeerStatus{
			Node:       node,
			Conn:       id,
			ClientSide: c.clientSide,
			State:      c.state.String(),
		})
	}
	sort.Slice(status.Established, func(i, j int) bool {
		return status.Established[i].Node.Less(status.Established[j].Node)
	})
	for node := range s.connecting {
		status.Connecting = append(status.Connecting, node)
	}
	sort.Slice(status.Connecting, func(i, j int) bool {
		return status.Connecting[i].Less(status.Connecting[j])
	})
	return status
}

func (s *Server[T]) sortedMembers() []gen.NodeID {
	members := s.members.Elements()
	sort.Slice(members, func(i, j int) bool {
		return members[i].Less(members[j])
	})
	return members
}

// record counts the error by its kind and logs it
func (s *Server[T]) record(kind string, err error) {
	errorsTotal.WithLabelValues(s.self.String(), kind).Inc()
	if ce := s.log.Check(zap.DebugLevel, "cluster error"); ce != nil {
		ce.Write(zap.String("kind", kind), zap.Error(err))
	}
}
