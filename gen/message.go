package gen

import (
	"fmt"
	"time"
)

// MsgKind is the tag of the Msg variants
type MsgKind uint8

const (
	MsgKindUser    MsgKind = 1
	MsgKindTimeout MsgKind = 2
	MsgKindReq     MsgKind = 3
	MsgKindRpy     MsgKind = 4
	MsgKindNotify  MsgKind = 5
)

func (k MsgKind) String() string {
	switch k {
	case MsgKindUser:
		return "user"
	case MsgKindTimeout:
		return "timeout"
	case MsgKindReq:
		return "req"
	case MsgKindRpy:
		return "rpy"
	case MsgKindNotify:
		return "notify"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Msg is the message carried by an Envelope. Exactly one of the fields
// is meaningful, selected by Kind. T is the application message type.
type Msg[T any] struct {
	Kind    MsgKind
	User    T
	Timeout TimerID
	Req     Req
	Rpy     Rpy
	Notify  Notify
}

func MsgUser[T any](v T) Msg[T] {
	return Msg[T]{Kind: MsgKindUser, User: v}
}

func MsgTimeout[T any](id TimerID) Msg[T] {
	return Msg[T]{Kind: MsgKindTimeout, Timeout: id}
}

func MsgReq[T any](req Req) Msg[T] {
	return Msg[T]{Kind: MsgKindReq, Req: req}
}

func MsgRpy[T any](rpy Rpy) Msg[T] {
	return Msg[T]{Kind: MsgKindRpy, Rpy: rpy}
}

func MsgNotify[T any](n Notify) Msg[T] {
	return Msg[T]{Kind: MsgKindNotify, Notify: n}
}

// MsgShutdown is a shortcut for the Req{Shutdown} system message.
func MsgShutdown[T any]() Msg[T] {
	return MsgReq[T](Req{Kind: ReqShutdown})
}

func (m Msg[T]) String() string {
	switch m.Kind {
	case MsgKindUser:
		return fmt.Sprintf("user(%v)", m.User)
	case MsgKindTimeout:
		return fmt.Sprintf("timeout(%d)", m.Timeout)
	case MsgKindReq:
		return "req(" + m.Req.Kind.String() + ")"
	case MsgKindRpy:
		return "rpy(" + m.Rpy.Kind.String() + ")"
	case MsgKindNotify:
		return "notify(" + m.Notify.Kind.String() + " " + m.Notify.Node.String() + ")"
	}
	return m.Kind.String()
}

// ReqKind
type ReqKind uint8

const (
	ReqGetMetrics ReqKind = 1
	ReqShutdown   ReqKind = 2
)

func (k ReqKind) String() string {
	switch k {
	case ReqGetMetrics:
		return "get_metrics"
	case ReqShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("req(%d)", uint8(k))
}

// Req is a system request. Requests addressed to a process are served by
// the scheduler, the process behavior never sees them.
type Req struct {
	Kind ReqKind
}

// RpyKind
type RpyKind uint8

const (
	RpyMetrics RpyKind = 1
	RpyError   RpyKind = 2
)

func (k RpyKind) String() string {
	switch k {
	case RpyMetrics:
		return "metrics"
	case RpyError:
		return "error"
	}
	return fmt.Sprintf("rpy(%d)", uint8(k))
}

// Rpy is a system reply
type Rpy struct {
	Kind    RpyKind
	Metrics map[string]int64
	Error   string
}

// NotifyKind
type NotifyKind uint8

const (
	NotifyNodeUp   NotifyKind = 1
	NotifyNodeDown NotifyKind = 2
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyNodeUp:
		return "node_up"
	case NotifyNodeDown:
		return "node_down"
	}
	return fmt.Sprintf("notify(%d)", uint8(k))
}

// Notify is sent by the cluster server to the processes registered with
// Node.MonitorNodes.
type Notify struct {
	Kind NotifyKind
	Node NodeID
}

// Envelope is an addressed message
type Envelope[T any] struct {
	To            PID
	From          PID
	Msg           Msg[T]
	CorrelationID *CorrelationID
	// Incarnation restricts delivery to the process spawned with this
	// table id. Zero matches any. Local only, codecs don't carry it.
	Incarnation uint64
}

func (e Envelope[T]) String() string {
	if e.CorrelationID == nil {
		return fmt.Sprintf("%s -> %s: %s", e.From, e.To, e.Msg)
	}
	return fmt.Sprintf("%s -> %s: %s [%s]", e.From, e.To, e.Msg, e.CorrelationID)
}

// Timer is the request a process makes through its Terminal. It travels
// from the scheduler to the cluster server, where the wheel lives.
type Timer struct {
	Owner PID
	// Incarnation of the owner. A timeout is not delivered to a process
	// spawned again under the same pid.
	Incarnation uint64
	ID          TimerID
	After       time.Duration
	Cancel      bool
}
