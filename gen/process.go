package gen

import (
	"time"

	"go.uber.org/zap"
)

// Process is the behavior of an actor. Handle is called by a scheduler
// goroutine for every message addressed to the process, one message at a
// time and never concurrently.
//
// Handle must not block. Long computations should be chunked with
// self-sends or moved to a service. Outgoing messages and timers go
// through the Terminal. Returning an error stops the process.
type Process[T any] interface {
	Handle(term Terminal[T], msg Msg[T], from PID, cid *CorrelationID) error
}

// ProcessFunc adapts an ordinary function to the Process interface
type ProcessFunc[T any] func(term Terminal[T], msg Msg[T], from PID, cid *CorrelationID) error

func (f ProcessFunc[T]) Handle(term Terminal[T], msg Msg[T], from PID, cid *CorrelationID) error {
	return f(term, msg, from, cid)
}

// Terminal is given to the process on every Handle call. It is valid only
// for the duration of the call.
type Terminal[T any] interface {
	// Self returns the pid of the running process
	Self() PID
	// Send queues a message. Messages are routed once Handle returns,
	// in the order they were sent.
	Send(to PID, msg Msg[T])
	// SendCorrelated queues a message tagged with the correlation id
	SendCorrelated(to PID, msg Msg[T], cid *CorrelationID)
	// StartTimer schedules a one-shot timer. On expiry the process
	// receives Msg with Kind MsgKindTimeout and the returned id.
	StartTimer(after time.Duration) TimerID
	// CancelTimer cancels the timer. Cancel of a fired or unknown timer
	// is a no-op.
	CancelTimer(id TimerID)
	Log() *zap.Logger
}

// Mailbox is the inbox of a service registered in the process table.
type Mailbox[T any] interface {
	// Deliver returns ErrMailboxClosed if the service has terminated
	Deliver(env Envelope[T]) error
}

// Router routes an envelope to a local process or service.
type Router[T any] interface {
	Send(env Envelope[T]) error
}

// ServiceRegistrar is implemented by the node. Services use it to bind
// their mailbox to a pid.
type ServiceRegistrar[T any] interface {
	Router[T]
	RegisterService(pid PID, mailbox Mailbox[T]) error
	DeregisterService(pid PID)
}
