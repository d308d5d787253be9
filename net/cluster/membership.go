package cluster

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
)

func (s *Server[T]) join(node gen.NodeID) {
	if node == s.self {
		if s.members.Contains(s.self) {
			return
		}
		s.log.Info("rejoining the cluster")
	}

	delta := s.members.Add(s.self.String(), node)
	s.membershipChanged(delta)
	if node == s.self {
		return
	}

	// explicit join doesn't wait for the backoff
	delete(s.backoff, node)
	s.connect(node)
}

func (s *Server[T]) leave(node gen.NodeID) {
	delta, found := s.members.Remove(node)
	if found == false {
		return
	}
	s.log.Info("node removed from the cluster", zap.Stringer("member", node))
	s.membershipChanged(delta)
	// connections to the removed nodes are closed by the next reconcile,
	// so the delta has a chance to reach them
}

func (s *Server[T]) applyDelta(delta lib.Delta[gen.NodeID]) {
	if s.members.Apply(delta) == false {
		return
	}
	s.membershipChanged(delta)
}

func (s *Server[T]) membershipChanged(delta lib.Delta[gen.NodeID]) {
	membersGauge.WithLabelValues(s.self.String()).Set(float64(s.members.Len()))
	if err := s.broadcast(gen.ExternalMsgDelta[T](delta)); err != nil {
		s.log.Debug("delta broadcast failed", zap.Error(err))
	}
}

// connect starts a client connection unless there is one already
func (s *Server[T]) connect(node gen.NodeID) {
	if s.members.Contains(s.self) == false {
		return
	}
	if _, found := s.established[node]; found {
		return
	}
	if _, found := s.connecting[node]; found {
		return
	}
	s.dial(node)
}

// reconcile brings the connections in line with the membership
func (s *Server[T]) reconcile(now time.Time) {
	if s.members.Contains(s.self) == false {
		for _, c := range s.conns {
			s.closeConn(c, errors.New("this node is not a member"))
		}
		return
	}

	for _, c := range s.conns {
		var node gen.NodeID
		switch {
		case c.hasPeer:
			node = c.peer
		case c.clientSide:
			node = c.target
		default:
			// handshake is in progress
			continue
		}
		if s.members.Contains(node) == false {
			s.closeConn(c, errors.New("peer is not a member"))
		}
	}

	for _, node := range s.members.Elements() {
		if node == s.self {
			continue
		}
		if b, found := s.backoff[node]; found && now.Before(b.next) {
			continue
		}
		s.connect(node)
	}
}

// armBackoff postpones the next connection attempt to the node
func (s *Server[T]) armBackoff(node gen.NodeID) {
	b, found := s.backoff[node]
	if found == false {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = s.options.ReconnectInitial
		eb.MaxInterval = s.options.ReconnectMax
		eb.MaxElapsedTime = 0
		eb.Clock = s.clock
		eb.Reset()
		b = &peerBackoff{backoff: eb}
		s.backoff[node] = b
	}
	b.next = s.clock.Now().Add(b.backoff.NextBackOff())
}
