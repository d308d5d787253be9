package gen

import (
	"github.com/ergo-services/rabble/lib"
)

// ExternalKind is the tag of the frames exchanged between nodes
type ExternalKind uint8

const (
	ExternalMembers  ExternalKind = 1
	ExternalDelta    ExternalKind = 2
	ExternalEnvelope ExternalKind = 3
	ExternalPing     ExternalKind = 4
)

func (k ExternalKind) String() string {
	switch k {
	case ExternalMembers:
		return "members"
	case ExternalDelta:
		return "delta"
	case ExternalEnvelope:
		return "envelope"
	case ExternalPing:
		return "ping"
	}
	return "unknown"
}

// Members is the first frame each side sends on a new connection.
type Members struct {
	From  NodeID
	ORSet lib.ORSetState[NodeID]
}

// ExternalMsg is the payload of a single frame on a node-to-node connection.
type ExternalMsg[T any] struct {
	Kind     ExternalKind
	Members  *Members
	Delta    *lib.Delta[NodeID]
	Envelope *Envelope[T]
}

func ExternalMsgMembers[T any](from NodeID, state lib.ORSetState[NodeID]) ExternalMsg[T] {
	return ExternalMsg[T]{Kind: ExternalMembers, Members: &Members{From: from, ORSet: state}}
}

func ExternalMsgDelta[T any](delta lib.Delta[NodeID]) ExternalMsg[T] {
	return ExternalMsg[T]{Kind: ExternalDelta, Delta: &delta}
}

func ExternalMsgEnvelope[T any](env Envelope[T]) ExternalMsg[T] {
	return ExternalMsg[T]{Kind: ExternalEnvelope, Envelope: &env}
}

func ExternalMsgPing[T any]() ExternalMsg[T] {
	return ExternalMsg[T]{Kind: ExternalPing}
}
