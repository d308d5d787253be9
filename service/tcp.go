package service

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
	"github.com/ergo-services/rabble/net/codec"
)

// ConnectionHandler is created for every accepted client connection. All
// the callbacks are invoked on the service goroutine, one at a time.
// Returning an error closes the connection.
type ConnectionHandler[T, C any] interface {
	HandleConnect(conn *Conn[T, C]) error
	// HandleFrame is called for every frame received from the client
	HandleFrame(conn *Conn[T, C], frame C) error
	// HandleEnvelope is called for the replies to the requests made with
	// Conn.Request. A request not answered within RequestTimeout produces
	// the envelope with the Timeout message carrying the request id.
	HandleEnvelope(conn *Conn[T, C], env gen.Envelope[T]) error
	HandleDisconnect(conn *Conn[T, C], reason error)
}

// TCPOptions of the TCP server service
type TCPOptions struct {
	// Addr to listen on. Ignored if Listener is set.
	Addr     string
	Listener net.Listener

	// ConnectionTimeout closes the connections with no frames received
	// within it
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	// Tick is the resolution of the timing wheels
	Tick         time.Duration
	MaxFrameSize int

	Clock  clock.Clock
	Logger *zap.Logger
}

// TCPServer is a service serving framed client connections. The client
// frames are 4 byte big endian length prefixed payloads encoded with the
// Payload codec.
type TCPServer[T, C any] struct {
	pid        gen.PID
	registrar  gen.ServiceRegistrar[T]
	payload    codec.Payload[C]
	newHandler func() ConnectionHandler[T, C]
	options    TCPOptions
	log        *zap.Logger

	listener net.Listener
	inbox    *Inbox[T]
	events   chan tcpEvent[C]
	done     chan struct{}
	wg       sync.WaitGroup

	lastConnID uint64
	conns      map[uint64]*Conn[T, C]
	liveness   *lib.Wheel[uint64]
	requests   *lib.Wheel[requestKey]
}

type requestKey struct {
	conn    uint64
	request uint64
}

type tcpEventKind int

const (
	tcpEventAccepted tcpEventKind = iota + 1
	tcpEventFrame
	tcpEventClosed
	tcpEventListenerFailed
)

type tcpEvent[C any] struct {
	kind  tcpEventKind
	id    uint64
	conn  net.Conn
	frame C
	err   error
}

// Conn is a client connection of the TCP server service. It must be used
// from the handler callbacks only.
type Conn[T, C any] struct {
	id          uint64
	server      *TCPServer[T, C]
	conn        net.Conn
	writer      *lib.FrameWriter
	handler     ConnectionHandler[T, C]
	lastRequest uint64
	requests    map[uint64]struct{}
	closed      bool
}

// NewTCPServer binds the listening socket. The service is started by Serve.
func NewTCPServer[T, C any](pid gen.PID, registrar gen.ServiceRegistrar[T], payload codec.Payload[C], newHandler func() ConnectionHandler[T, C], options TCPOptions) (*TCPServer[T, C], error) {
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = gen.DefaultRequestTimeout
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = gen.DefaultRequestTimeout
	}
	if options.Tick <= 0 {
		options.Tick = gen.DefaultTimerResolution
	}
	if options.MaxFrameSize <= 0 {
		options.MaxFrameSize = gen.MaxFrameSize
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Logger == nil {
		options.Logger = zap.L()
	}

	listener := options.Listener
	if listener == nil {
		lc := net.ListenConfig{KeepAlive: gen.DefaultKeepAlivePeriod}
		l, err := lc.Listen(context.Background(), "tcp", options.Addr)
		if err != nil {
			return nil, gen.ErrRegistrar.Wrap(err).GenWithStackByArgs(options.Addr)
		}
		listener = l
	}

	now := options.Clock.Now()
	return &TCPServer[T, C]{
		pid:        pid,
		registrar:  registrar,
		payload:    payload,
		newHandler: newHandler,
		options:    options,
		log:        options.Logger.Named("service").With(zap.Stringer("pid", pid)),
		listener:   listener,
		inbox:      NewInbox[T](),
		events:     make(chan tcpEvent[C], 256),
		done:       make(chan struct{}),
		conns:      make(map[uint64]*Conn[T, C]),
		liveness:   lib.NewWheel[uint64](options.Tick, now),
		requests:   lib.NewWheel[requestKey](options.Tick, now),
	}, nil
}

func (s *TCPServer[T, C]) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *TCPServer[T, C]) PID() gen.PID {
	return s.pid
}

// Serve registers the service and runs it until the context is canceled or
// the service receives the Shutdown request.
func (s *TCPServer[T, C]) Serve(ctx context.Context) error {
	if err := s.registrar.RegisterService(s.pid, s.inbox); err != nil {
		s.listener.Close()
		return errors.Annotatef(err, "register service %s", s.pid)
	}
	defer s.stop()
	s.log.Info("tcp service started", zap.Stringer("addr", s.listener.Addr()))

	s.wg.Add(1)
	go s.accept()

	tick := s.options.Clock.Ticker(s.options.Tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.inbox.Notify():
			for {
				env, ok := s.inbox.TryReceive()
				if ok == false {
					break
				}
				if env.Msg.Kind == gen.MsgKindReq && env.Msg.Req.Kind == gen.ReqShutdown {
					s.log.Info("shutdown requested", zap.Stringer("by", env.From))
					return nil
				}
				s.handleEnvelope(env)
			}

		case ev := <-s.events:
			if err := s.handleEvent(ev); err != nil {
				return err
			}

		case <-tick.C:
			s.handleTick(s.options.Clock.Now())
		}
	}
}

func (s *TCPServer[T, C]) stop() {
	s.registrar.DeregisterService(s.pid)
	s.inbox.Close()
	close(s.done)
	s.listener.Close()
	for _, c := range s.conns {
		s.closeConn(c, errors.Trace(gen.ErrShutdown.GenWithStackByArgs()))
	}
	s.wg.Wait()
	s.log.Info("tcp service stopped")
}

func (s *TCPServer[T, C]) emit(ev tcpEvent[C]) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *TCPServer[T, C]) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(tcpEvent[C]{kind: tcpEventListenerFailed, err: err})
			}
			return
		}
		if s.emit(tcpEvent[C]{kind: tcpEventAccepted, conn: conn}) == false {
			conn.Close()
			return
		}
	}
}

func (s *TCPServer[T, C]) serveReader(id uint64, conn net.Conn) {
	defer s.wg.Done()
	reader := lib.NewFrameReader(conn, s.options.MaxFrameSize)
	defer reader.Release()

	for {
		data, err := reader.ReadFrame()
		if err != nil {
			s.emit(tcpEvent[C]{kind: tcpEventClosed, id: id, err: gen.ErrRead.Wrap(err).GenWithStackByArgs(conn.RemoteAddr())})
			return
		}
		frame, err := s.payload.Decode(data)
		if err != nil {
			s.emit(tcpEvent[C]{kind: tcpEventClosed, id: id, err: gen.ErrDecode.Wrap(err).GenWithStackByArgs(conn.RemoteAddr())})
			return
		}
		if s.emit(tcpEvent[C]{kind: tcpEventFrame, id: id, frame: frame}) == false {
			return
		}
	}
}

func (s *TCPServer[T, C]) serveWriter(id uint64, writer *lib.FrameWriter, conn net.Conn) {
	defer s.wg.Done()
	if err := writer.Serve(); err != nil {
		s.emit(tcpEvent[C]{kind: tcpEventClosed, id: id, err: gen.ErrWrite.Wrap(err).GenWithStackByArgs(conn.RemoteAddr())})
	}
}

func (s *TCPServer[T, C]) handleEvent(ev tcpEvent[C]) error {
	switch ev.kind {
	case tcpEventAccepted:
		s.lastConnID++
		c := &Conn[T, C]{
			id:       s.lastConnID,
			server:   s,
			conn:     ev.conn,
			writer:   lib.NewFrameWriter(ev.conn, s.options.MaxFrameSize),
			handler:  s.newHandler(),
			requests: make(map[uint64]struct{}),
		}
		s.conns[c.id] = c
		s.liveness.Insert(c.id, s.options.ConnectionTimeout)
		s.wg.Add(2)
		go s.serveReader(c.id, c.conn)
		go s.serveWriter(c.id, c.writer, c.conn)
		s.log.Debug("client connected", zap.Uint64("conn", c.id), zap.Stringer("remote", c.conn.RemoteAddr()))

		if err := c.handler.HandleConnect(c); err != nil {
			s.closeConn(c, err)
		}

	case tcpEventFrame:
		c, found := s.conns[ev.id]
		if found == false {
			return nil
		}
		s.liveness.Insert(c.id, s.options.ConnectionTimeout)
		if err := c.handler.HandleFrame(c, ev.frame); err != nil {
			s.closeConn(c, err)
		}

	case tcpEventClosed:
		if c, found := s.conns[ev.id]; found {
			s.closeConn(c, ev.err)
		}

	case tcpEventListenerFailed:
		return gen.ErrRegistrar.Wrap(ev.err).GenWithStackByArgs(s.listener.Addr())
	}
	return nil
}

// handleEnvelope dispatches a reply to the connection that made the request.
// Replies to the expired requests are dropped.
func (s *TCPServer[T, C]) handleEnvelope(env gen.Envelope[T]) {
	cid := env.CorrelationID
	if cid == nil || cid.PID != s.pid || cid.Connection == 0 {
		s.log.Debug("uncorrelated envelope dropped", zap.Stringer("envelope", env))
		return
	}
	c, found := s.conns[cid.Connection]
	if found == false {
		s.log.Debug("reply to a closed connection dropped", zap.Stringer("envelope", env))
		return
	}
	if _, pending := c.requests[cid.Request]; pending == false {
		s.log.Debug("reply to an expired request dropped", zap.Stringer("envelope", env))
		return
	}
	delete(c.requests, cid.Request)
	s.requests.Remove(requestKey{conn: c.id, request: cid.Request})

	if err := c.handler.HandleEnvelope(c, env); err != nil {
		s.closeConn(c, err)
	}
}

func (s *TCPServer[T, C]) handleTick(now time.Time) {
	for _, id := range s.liveness.Advance(now) {
		if c, found := s.conns[id]; found {
			s.closeConn(c, errors.Errorf("no frames received within %s", s.options.ConnectionTimeout))
		}
	}

	for _, key := range s.requests.Advance(now) {
		c, found := s.conns[key.conn]
		if found == false {
			continue
		}
		delete(c.requests, key.request)
		cid := &gen.CorrelationID{PID: s.pid, Connection: key.conn, Request: key.request}
		env := gen.Envelope[T]{
			To:            s.pid,
			From:          s.pid,
			Msg:           gen.MsgTimeout[T](gen.TimerID(key.request)),
			CorrelationID: cid,
		}
		if err := c.handler.HandleEnvelope(c, env); err != nil {
			s.closeConn(c, err)
		}
	}
}

func (s *TCPServer[T, C]) closeConn(c *Conn[T, C], reason error) {
	if c.closed {
		return
	}
	c.closed = true
	delete(s.conns, c.id)
	s.liveness.Remove(c.id)
	for request := range c.requests {
		s.requests.Remove(requestKey{conn: c.id, request: request})
	}
	c.writer.Close()
	c.conn.Close()

	s.log.Debug("client disconnected", zap.Uint64("conn", c.id), zap.NamedError("reason", reason))
	c.handler.HandleDisconnect(c, reason)
}

func (c *Conn[T, C]) ID() uint64 {
	return c.id
}

func (c *Conn[T, C]) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Write queues the frame to the client
func (c *Conn[T, C]) Write(frame C) error {
	err := c.writer.WriteFrame(func(w io.Writer) error {
		return c.server.payload.Encode(frame, w)
	})
	if err != nil {
		return gen.ErrEncode.Wrap(err).GenWithStackByArgs("client frame")
	}
	return nil
}

// Request sends the message correlated with this connection. The reply, or
// the timeout, is given to the HandleEnvelope callback. It returns the
// request id.
func (c *Conn[T, C]) Request(to gen.PID, msg gen.Msg[T]) (uint64, error) {
	c.lastRequest++
	request := c.lastRequest
	cid := &gen.CorrelationID{PID: c.server.pid, Connection: c.id, Request: request}
	err := c.server.registrar.Send(gen.Envelope[T]{
		To:            to,
		From:          c.server.pid,
		Msg:           msg,
		CorrelationID: cid,
	})
	if err != nil {
		return 0, err
	}
	c.requests[request] = struct{}{}
	c.server.requests.Insert(requestKey{conn: c.id, request: request}, c.server.options.RequestTimeout)
	return request, nil
}

// Send sends the message with no correlation
func (c *Conn[T, C]) Send(to gen.PID, msg gen.Msg[T]) error {
	return c.server.registrar.Send(gen.Envelope[T]{To: to, From: c.server.pid, Msg: msg})
}

// Close closes the connection. HandleDisconnect is called with the nil
// reason.
func (c *Conn[T, C]) Close() {
	c.server.closeConn(c, nil)
}
