package cluster

import (
	"io"
	"net"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
)

type connState int

const (
	stateConnecting connState = iota + 1
	stateAccepted
	stateHandshakeSend
	stateHandshakeRecv
	stateEstablished
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAccepted:
		return "accepted"
	case stateHandshakeSend:
		return "handshake_send"
	case stateHandshakeRecv:
		return "handshake_recv"
	case stateEstablished:
		return "established"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

type connection[T any] struct {
	id          uint64
	conn        net.Conn
	writer      *lib.FrameWriter
	state       connState
	clientSide  bool
	membersSent bool
	// target is the node dialed by the client side
	target  gen.NodeID
	peer    gen.NodeID
	hasPeer bool
}

func (c *connection[T]) logFields() []zap.Field {
	fields := []zap.Field{
		zap.Uint64("conn", c.id),
		zap.Bool("client", c.clientSide),
		zap.Stringer("state", c.state),
	}
	if c.hasPeer {
		fields = append(fields, zap.Stringer("peer", c.peer))
	} else if c.clientSide {
		fields = append(fields, zap.Stringer("peer", c.target))
	}
	return fields
}

type eventKind int

const (
	eventAccepted eventKind = iota + 1
	eventDialed
	eventDialFailed
	eventFrame
	eventClosed
	eventListenerFailed
)

// event is posted to the reactor by the io goroutines
type event[T any] struct {
	kind    eventKind
	id      uint64
	conn    net.Conn
	msg     gen.ExternalMsg[T]
	err     error
	errKind string
}

// emit returns false if the reactor has stopped
func (s *Server[T]) emit(ev event[T]) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server[T]) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(event[T]{kind: eventListenerFailed, err: err})
			}
			return
		}
		if s.emit(event[T]{kind: eventAccepted, conn: conn}) == false {
			conn.Close()
			return
		}
	}
}

func (s *Server[T]) dial(node gen.NodeID) {
	s.lastConnID++
	c := &connection[T]{
		id:         s.lastConnID,
		state:      stateConnecting,
		clientSide: true,
		target:     node,
	}
	s.conns[c.id] = c
	s.connecting[node] = c.id
	s.liveness.Insert(c.id, s.options.RequestTimeout)
	s.log.Debug("connecting", c.logFields()...)

	s.wg.Add(1)
	go func(id uint64, addr string) {
		defer s.wg.Done()
		dialer := net.Dialer{
			Timeout:   s.options.DialTimeout,
			KeepAlive: gen.DefaultKeepAlivePeriod,
		}
		conn, err := dialer.DialContext(s.dialCtx, "tcp", addr)
		if err != nil {
			s.emit(event[T]{kind: eventDialFailed, id: id, err: err})
			return
		}
		if s.emit(event[T]{kind: eventDialed, id: id, conn: conn}) == false {
			conn.Close()
		}
	}(c.id, node.Addr)
}

func (s *Server[T]) handleEvent(ev event[T]) error {
	switch ev.kind {
	case eventAccepted:
		s.lastConnID++
		c := &connection[T]{
			id:    s.lastConnID,
			state: stateAccepted,
		}
		s.conns[c.id] = c
		s.log.Debug("accepted", zap.Uint64("conn", c.id), zap.Stringer("remote", ev.conn.RemoteAddr()))
		return s.start(c, ev.conn)

	case eventDialed:
		c, found := s.conns[ev.id]
		if found == false || c.state != stateConnecting {
			// closed while connecting
			ev.conn.Close()
			return nil
		}
		return s.start(c, ev.conn)

	case eventDialFailed:
		c, found := s.conns[ev.id]
		if found == false {
			return nil
		}
		err := gen.ErrConnect.Wrap(ev.err).GenWithStackByArgs(c.target)
		s.record("connect", err)
		s.closeConn(c, err)
		return err

	case eventFrame:
		c, found := s.conns[ev.id]
		if found == false {
			return nil
		}
		return s.handleFrame(c, ev.msg)

	case eventClosed:
		c, found := s.conns[ev.id]
		if found == false {
			return nil
		}
		s.record(ev.errKind, ev.err)
		s.closeConn(c, ev.err)
		return ev.err

	case eventListenerFailed:
		return gen.ErrRegistrar.Wrap(ev.err).GenWithStackByArgs(s.listener.Addr())
	}
	return nil
}

// start launches the io goroutines and sends the Members frame
func (s *Server[T]) start(c *connection[T], conn net.Conn) error {
	c.conn = conn
	c.writer = lib.NewFrameWriter(conn, gen.MaxFrameSize)
	c.state = stateHandshakeSend
	s.liveness.Insert(c.id, s.options.RequestTimeout)

	s.wg.Add(2)
	go s.serveReader(c.id, conn)
	go s.serveWriter(c.id, c.writer, conn)

	members := gen.ExternalMsgMembers[T](s.self, s.members.State())
	if err := s.write(c, &members); err != nil {
		return err
	}
	c.membersSent = true
	c.state = stateHandshakeRecv
	return nil
}

func (s *Server[T]) serveReader(id uint64, conn net.Conn) {
	defer s.wg.Done()

	reader := lib.NewFrameReader(conn, gen.MaxFrameSize)
	defer reader.Release()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			s.emit(event[T]{
				kind:    eventClosed,
				id:      id,
				err:     gen.ErrRead.Wrap(err).GenWithStackByArgs(conn.RemoteAddr()),
				errKind: "read",
			})
			return
		}
		msg, err := s.codec.Decode(frame)
		if err != nil {
			s.emit(event[T]{
				kind:    eventClosed,
				id:      id,
				err:     gen.ErrDecode.Wrap(err).GenWithStackByArgs(conn.RemoteAddr()),
				errKind: "decode",
			})
			return
		}
		if s.emit(event[T]{kind: eventFrame, id: id, msg: msg}) == false {
			return
		}
	}
}

func (s *Server[T]) serveWriter(id uint64, writer *lib.FrameWriter, conn net.Conn) {
	defer s.wg.Done()
	if err := writer.Serve(); err != nil {
		s.emit(event[T]{
			kind:    eventClosed,
			id:      id,
			err:     gen.ErrWrite.Wrap(err).GenWithStackByArgs(conn.RemoteAddr()),
			errKind: "write",
		})
	}
}

// write queues a frame. A failure closes the connection.
func (s *Server[T]) write(c *connection[T], msg *gen.ExternalMsg[T]) error {
	err := c.writer.WriteFrame(func(w io.Writer) error {
		return s.codec.Encode(msg, w)
	})
	if err != nil {
		err = gen.ErrEncode.Wrap(err).GenWithStackByArgs(msg.Kind)
		s.record("encode", err)
		s.closeConn(c, err)
		return err
	}
	framesTotal.WithLabelValues(s.self.String(), "out").Inc()
	return nil
}

func (s *Server[T]) handleFrame(c *connection[T], msg gen.ExternalMsg[T]) error {
	framesTotal.WithLabelValues(s.self.String(), "in").Inc()
	s.liveness.Insert(c.id, s.options.RequestTimeout)

	switch c.state {
	case stateHandshakeRecv:
		if c.membersSent == false || msg.Kind != gen.ExternalMembers {
			err := gen.ErrProtocolViolation.GenWithStackByArgs(c.conn.RemoteAddr(), "expected members, got "+msg.Kind.String())
			s.record("protocol", err)
			s.closeConn(c, err)
			return err
		}
		s.handshake(c, msg.Members)
		return nil

	case stateEstablished:
		switch msg.Kind {
		case gen.ExternalMembers:
			if s.members.Join(msg.Members.ORSet) {
				membersGauge.WithLabelValues(s.self.String()).Set(float64(s.members.Len()))
			}
		case gen.ExternalDelta:
			s.applyDelta(*msg.Delta)
		case gen.ExternalEnvelope:
			s.routeInbound(c, *msg.Envelope)
		case gen.ExternalPing:
		}
	}
	return nil
}

func (s *Server[T]) handshake(c *connection[T], members *gen.Members) {
	if s.members.Join(members.ORSet) {
		membersGauge.WithLabelValues(s.self.String()).Set(float64(s.members.Len()))
	}
	from := members.From
	c.peer = from
	c.hasPeer = true

	switch {
	case from == s.self:
		s.closeConn(c, errors.New("connected to itself"))
		return
	case c.clientSide && c.target != from:
		err := gen.ErrProtocolViolation.GenWithStackByArgs(c.conn.RemoteAddr(), "dialed "+c.target.String()+", answered "+from.String())
		s.record("protocol", err)
		s.closeConn(c, err)
		return
	case s.members.Contains(s.self) == false:
		s.closeConn(c, errors.New("this node is not a member"))
		return
	case s.members.Contains(from) == false:
		s.closeConn(c, errors.New("peer is not a member"))
		return
	}

	replaced := false
	if id, found := s.established[from]; found {
		existing := s.conns[id]
		keepExisting := existing.clientSide && s.self.Less(from) ||
			existing.clientSide == false && from.Less(s.self)
		if keepExisting {
			s.closeConn(c, errors.New("duplicate connection"))
			return
		}
		delete(s.established, from)
		s.closeConn(existing, errors.New("replaced by duplicate connection"))
		replaced = true
	}

	c.state = stateEstablished
	s.established[from] = c.id
	if c.clientSide && s.connecting[c.target] == c.id {
		delete(s.connecting, c.target)
	}
	delete(s.backoff, from)
	establishedGauge.WithLabelValues(s.self.String()).Set(float64(len(s.established)))
	s.log.Info("connection established", c.logFields()...)

	if replaced == false {
		s.notify(gen.NotifyNodeUp, from)
	}
}

// closeConn releases the connection. It is the only way a connection
// leaves the maps.
func (s *Server[T]) closeConn(c *connection[T], reason error) {
	if c.state == stateClosing {
		return
	}
	wasEstablished := c.state == stateEstablished
	wasConnecting := c.clientSide && wasEstablished == false
	c.state = stateClosing

	s.liveness.Remove(c.id)
	delete(s.conns, c.id)
	if c.hasPeer {
		if id, found := s.established[c.peer]; found && id == c.id {
			delete(s.established, c.peer)
			establishedGauge.WithLabelValues(s.self.String()).Set(float64(len(s.established)))
			s.notify(gen.NotifyNodeDown, c.peer)
		}
	}
	if c.clientSide {
		if id, found := s.connecting[c.target]; found && id == c.id {
			delete(s.connecting, c.target)
			if wasConnecting {
				s.armBackoff(c.target)
			}
		}
	}
	if c.writer != nil {
		c.writer.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	fields := append(c.logFields(), zap.NamedError("reason", reason))
	if wasEstablished {
		s.log.Info("connection closed", fields...)
		return
	}
	s.log.Debug("connection closed", fields...)
}
