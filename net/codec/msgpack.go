package codec

import (
	"fmt"
	"io"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
)

const NameMsgPack = "msgpack"

// MsgPack is the default codec. The application message type is
// serialized by msgpack as well, so T must be supported by it.
type MsgPack[T any] struct{}

type mpNodeID struct {
	Name string `msgpack:"name"`
	Addr string `msgpack:"addr"`
}

type mpPID struct {
	Name  string   `msgpack:"name"`
	Group string   `msgpack:"group,omitempty"`
	Node  mpNodeID `msgpack:"node"`
}

type mpCorrelationID struct {
	PID        mpPID  `msgpack:"pid"`
	Connection uint64 `msgpack:"connection,omitempty"`
	Request    uint64 `msgpack:"request,omitempty"`
}

type mpRpy struct {
	Kind    uint8            `msgpack:"kind"`
	Metrics map[string]int64 `msgpack:"metrics,omitempty"`
	Error   string           `msgpack:"error,omitempty"`
}

type mpNotify struct {
	Kind uint8    `msgpack:"kind"`
	Node mpNodeID `msgpack:"node"`
}

type mpMsg[T any] struct {
	Kind    uint8     `msgpack:"kind"`
	User    T         `msgpack:"user,omitempty"`
	Timeout uint64    `msgpack:"timeout,omitempty"`
	Req     uint8     `msgpack:"req,omitempty"`
	Rpy     *mpRpy    `msgpack:"rpy,omitempty"`
	Notify  *mpNotify `msgpack:"notify,omitempty"`
}

type mpEnvelope[T any] struct {
	To            mpPID            `msgpack:"to"`
	From          mpPID            `msgpack:"from"`
	Msg           mpMsg[T]         `msgpack:"msg"`
	CorrelationID *mpCorrelationID `msgpack:"cid,omitempty"`
}

type mpDot struct {
	Actor   string `msgpack:"actor"`
	Counter uint64 `msgpack:"counter"`
}

type mpEntry struct {
	Element mpNodeID `msgpack:"element"`
	Dots    []mpDot  `msgpack:"dots"`
}

type mpORSet struct {
	Entries []mpEntry `msgpack:"entries"`
	Removed []mpDot   `msgpack:"removed"`
}

type mpMembers struct {
	From  mpNodeID `msgpack:"from"`
	ORSet mpORSet  `msgpack:"orset"`
}

type mpDelta struct {
	Kind    uint8    `msgpack:"kind"`
	Element mpNodeID `msgpack:"element"`
	Dot     mpDot    `msgpack:"dot"`
	Dots    []mpDot  `msgpack:"dots,omitempty"`
}

type mpExternal[T any] struct {
	Kind     uint8          `msgpack:"kind"`
	Members  *mpMembers     `msgpack:"members,omitempty"`
	Delta    *mpDelta       `msgpack:"delta,omitempty"`
	Envelope *mpEnvelope[T] `msgpack:"envelope,omitempty"`
}

func (MsgPack[T]) Name() string {
	return NameMsgPack
}

func (MsgPack[T]) Encode(msg *gen.ExternalMsg[T], w io.Writer) error {
	if err := checkKind(msg.Kind); err != nil {
		return err
	}
	wire := mpExternal[T]{Kind: uint8(msg.Kind)}
	switch msg.Kind {
	case gen.ExternalMembers:
		if msg.Members == nil {
			return fmt.Errorf("%w: members frame without members", gen.ErrMalformed)
		}
		wire.Members = &mpMembers{
			From:  mpNodeIDFrom(msg.Members.From),
			ORSet: mpORSetFrom(msg.Members.ORSet),
		}
	case gen.ExternalDelta:
		if msg.Delta == nil {
			return fmt.Errorf("%w: delta frame without delta", gen.ErrMalformed)
		}
		wire.Delta = &mpDelta{
			Kind:    uint8(msg.Delta.Kind),
			Element: mpNodeIDFrom(msg.Delta.Element),
			Dot:     mpDot(msg.Delta.Dot),
			Dots:    mpDotsFrom(msg.Delta.Dots),
		}
	case gen.ExternalEnvelope:
		if msg.Envelope == nil {
			return fmt.Errorf("%w: envelope frame without envelope", gen.ErrMalformed)
		}
		env, err := mpEnvelopeFrom(msg.Envelope)
		if err != nil {
			return err
		}
		wire.Envelope = env
	}

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(w)
	return errors.Trace(enc.Encode(&wire))
}

func (MsgPack[T]) Decode(data []byte) (gen.ExternalMsg[T], error) {
	var wire mpExternal[T]
	var msg gen.ExternalMsg[T]

	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return msg, errors.Trace(err)
	}
	msg.Kind = gen.ExternalKind(wire.Kind)
	if err := checkKind(msg.Kind); err != nil {
		return msg, err
	}

	switch msg.Kind {
	case gen.ExternalMembers:
		if wire.Members == nil {
			return msg, fmt.Errorf("%w: members frame without members", gen.ErrMalformed)
		}
		msg.Members = &gen.Members{
			From:  wire.Members.From.nodeID(),
			ORSet: wire.Members.ORSet.state(),
		}
	case gen.ExternalDelta:
		if wire.Delta == nil {
			return msg, fmt.Errorf("%w: delta frame without delta", gen.ErrMalformed)
		}
		msg.Delta = &lib.Delta[gen.NodeID]{
			Kind:    lib.DeltaKind(wire.Delta.Kind),
			Element: wire.Delta.Element.nodeID(),
			Dot:     lib.Dot(wire.Delta.Dot),
			Dots:    mpDotsTo(wire.Delta.Dots),
		}
	case gen.ExternalEnvelope:
		if wire.Envelope == nil {
			return msg, fmt.Errorf("%w: envelope frame without envelope", gen.ErrMalformed)
		}
		env, err := wire.Envelope.envelope()
		if err != nil {
			return msg, err
		}
		msg.Envelope = &env
	}
	return msg, nil
}

func mpNodeIDFrom(n gen.NodeID) mpNodeID {
	return mpNodeID{Name: n.Name, Addr: n.Addr}
}

func (n mpNodeID) nodeID() gen.NodeID {
	return gen.NodeID{Name: n.Name, Addr: n.Addr}
}

func mpPIDFrom(p gen.PID) mpPID {
	return mpPID{Name: p.Name, Group: p.Group, Node: mpNodeIDFrom(p.Node)}
}

func (p mpPID) pid() gen.PID {
	return gen.PID{Name: p.Name, Group: p.Group, Node: p.Node.nodeID()}
}

func mpDotsFrom(dots []lib.Dot) []mpDot {
	if len(dots) == 0 {
		return nil
	}
	out := make([]mpDot, len(dots))
	for i, d := range dots {
		out[i] = mpDot(d)
	}
	return out
}

func mpDotsTo(dots []mpDot) []lib.Dot {
	if len(dots) == 0 {
		return nil
	}
	out := make([]lib.Dot, len(dots))
	for i, d := range dots {
		out[i] = lib.Dot(d)
	}
	return out
}

func mpORSetFrom(state lib.ORSetState[gen.NodeID]) mpORSet {
	wire := mpORSet{
		Entries: make([]mpEntry, len(state.Entries)),
		Removed: mpDotsFrom(state.Removed),
	}
	for i, entry := range state.Entries {
		wire.Entries[i] = mpEntry{
			Element: mpNodeIDFrom(entry.Element),
			Dots:    mpDotsFrom(entry.Dots),
		}
	}
	return wire
}

func (o mpORSet) state() lib.ORSetState[gen.NodeID] {
	var state lib.ORSetState[gen.NodeID]
	if len(o.Entries) > 0 {
		state.Entries = make([]lib.ORSetEntry[gen.NodeID], len(o.Entries))
	}
	for i, entry := range o.Entries {
		state.Entries[i] = lib.ORSetEntry[gen.NodeID]{
			Element: entry.Element.nodeID(),
			Dots:    mpDotsTo(entry.Dots),
		}
	}
	state.Removed = mpDotsTo(o.Removed)
	return state
}

func mpEnvelopeFrom[T any](env *gen.Envelope[T]) (*mpEnvelope[T], error) {
	if err := checkMsgKind(env.Msg.Kind); err != nil {
		return nil, err
	}
	wire := &mpEnvelope[T]{
		To:   mpPIDFrom(env.To),
		From: mpPIDFrom(env.From),
		Msg: mpMsg[T]{
			Kind: uint8(env.Msg.Kind),
		},
	}
	switch env.Msg.Kind {
	case gen.MsgKindUser:
		wire.Msg.User = env.Msg.User
	case gen.MsgKindTimeout:
		wire.Msg.Timeout = uint64(env.Msg.Timeout)
	case gen.MsgKindReq:
		wire.Msg.Req = uint8(env.Msg.Req.Kind)
	case gen.MsgKindRpy:
		wire.Msg.Rpy = &mpRpy{
			Kind:    uint8(env.Msg.Rpy.Kind),
			Metrics: env.Msg.Rpy.Metrics,
			Error:   env.Msg.Rpy.Error,
		}
	case gen.MsgKindNotify:
		wire.Msg.Notify = &mpNotify{
			Kind: uint8(env.Msg.Notify.Kind),
			Node: mpNodeIDFrom(env.Msg.Notify.Node),
		}
	}
	if env.CorrelationID != nil {
		wire.CorrelationID = &mpCorrelationID{
			PID:        mpPIDFrom(env.CorrelationID.PID),
			Connection: env.CorrelationID.Connection,
			Request:    env.CorrelationID.Request,
		}
	}
	return wire, nil
}

func (e *mpEnvelope[T]) envelope() (gen.Envelope[T], error) {
	env := gen.Envelope[T]{
		To:   e.To.pid(),
		From: e.From.pid(),
	}
	env.Msg.Kind = gen.MsgKind(e.Msg.Kind)
	if err := checkMsgKind(env.Msg.Kind); err != nil {
		return env, err
	}
	switch env.Msg.Kind {
	case gen.MsgKindUser:
		env.Msg.User = e.Msg.User
	case gen.MsgKindTimeout:
		env.Msg.Timeout = gen.TimerID(e.Msg.Timeout)
	case gen.MsgKindReq:
		env.Msg.Req = gen.Req{Kind: gen.ReqKind(e.Msg.Req)}
	case gen.MsgKindRpy:
		if e.Msg.Rpy == nil {
			return env, fmt.Errorf("%w: rpy without body", gen.ErrMalformed)
		}
		env.Msg.Rpy = gen.Rpy{
			Kind:  gen.RpyKind(e.Msg.Rpy.Kind),
			Error: e.Msg.Rpy.Error,
		}
		if len(e.Msg.Rpy.Metrics) > 0 {
			env.Msg.Rpy.Metrics = e.Msg.Rpy.Metrics
		}
	case gen.MsgKindNotify:
		if e.Msg.Notify == nil {
			return env, fmt.Errorf("%w: notify without body", gen.ErrMalformed)
		}
		env.Msg.Notify = gen.Notify{
			Kind: gen.NotifyKind(e.Msg.Notify.Kind),
			Node: e.Msg.Notify.Node.nodeID(),
		}
	}
	if e.CorrelationID != nil {
		env.CorrelationID = &gen.CorrelationID{
			PID:        e.CorrelationID.PID.pid(),
			Connection: e.CorrelationID.Connection,
			Request:    e.CorrelationID.Request,
		}
	}
	return env, nil
}
