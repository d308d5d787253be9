package codec

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
)

const NameProtobuf = "protobuf"

// Protobuf encodes the frames in the protocol buffers wire format. The
// application message is serialized by Payload and carried as bytes.
//
//	message NodeID      { string name = 1; string addr = 2; }
//	message PID         { string name = 1; string group = 2; NodeID node = 3; }
//	message Correlation { PID pid = 1; uint64 connection = 2; uint64 request = 3; }
//	message Metric      { string key = 1; sint64 value = 2; }
//	message Rpy         { uint32 kind = 1; repeated Metric metrics = 2; string error = 3; }
//	message Notify      { uint32 kind = 1; NodeID node = 2; }
//	message Msg         { uint32 kind = 1; bytes user = 2; uint64 timeout = 3;
//	                      uint32 req = 4; Rpy rpy = 5; Notify notify = 6; }
//	message Envelope    { PID to = 1; PID from = 2; Msg msg = 3; Correlation cid = 4; }
//	message Dot         { string actor = 1; uint64 counter = 2; }
//	message Entry       { NodeID element = 1; repeated Dot dots = 2; }
//	message ORSet       { repeated Entry entries = 1; repeated Dot removed = 2; }
//	message Members     { NodeID from = 1; ORSet orset = 2; }
//	message Delta       { uint32 kind = 1; NodeID element = 2; Dot dot = 3; repeated Dot dots = 4; }
//	message ExternalMsg { uint32 kind = 1; Members members = 2; Delta delta = 3; Envelope envelope = 4; }
type Protobuf[T any] struct {
	Payload Payload[T]
}

func (Protobuf[T]) Name() string {
	return NameProtobuf
}

func (p Protobuf[T]) Encode(msg *gen.ExternalMsg[T], w io.Writer) error {
	if err := checkKind(msg.Kind); err != nil {
		return err
	}
	buf := lib.TakeBuffer()
	defer lib.ReleaseBuffer(buf)

	b := protowire.AppendTag(buf.B, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))

	switch msg.Kind {
	case gen.ExternalMembers:
		if msg.Members == nil {
			return fmt.Errorf("%w: members frame without members", gen.ErrMalformed)
		}
		b = pbAppendMessage(b, 2, pbMembers(msg.Members))
	case gen.ExternalDelta:
		if msg.Delta == nil {
			return fmt.Errorf("%w: delta frame without delta", gen.ErrMalformed)
		}
		b = pbAppendMessage(b, 3, pbDelta(msg.Delta))
	case gen.ExternalEnvelope:
		if msg.Envelope == nil {
			return fmt.Errorf("%w: envelope frame without envelope", gen.ErrMalformed)
		}
		env, err := p.envelope(msg.Envelope)
		if err != nil {
			return err
		}
		b = pbAppendMessage(b, 4, env)
	}
	buf.B = b

	_, err := w.Write(buf.B)
	return err
}

func (p Protobuf[T]) Decode(data []byte) (gen.ExternalMsg[T], error) {
	var msg gen.ExternalMsg[T]
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		switch num {
		case 1:
			msg.Kind = gen.ExternalKind(v.varint)
		case 2:
			members, err := pbDecodeMembers(v.bytes)
			if err != nil {
				return err
			}
			msg.Members = &members
		case 3:
			delta, err := pbDecodeDelta(v.bytes)
			if err != nil {
				return err
			}
			msg.Delta = &delta
		case 4:
			env, err := p.decodeEnvelope(v.bytes)
			if err != nil {
				return err
			}
			msg.Envelope = &env
		}
		return nil
	})
	if err != nil {
		return msg, err
	}
	if err := checkKind(msg.Kind); err != nil {
		return msg, err
	}

	switch {
	case msg.Kind == gen.ExternalMembers && msg.Members == nil,
		msg.Kind == gen.ExternalDelta && msg.Delta == nil,
		msg.Kind == gen.ExternalEnvelope && msg.Envelope == nil:
		return msg, fmt.Errorf("%w: %s frame without body", gen.ErrMalformed, msg.Kind)
	}
	return msg, nil
}

func (p Protobuf[T]) envelope(env *gen.Envelope[T]) ([]byte, error) {
	if err := checkMsgKind(env.Msg.Kind); err != nil {
		return nil, err
	}
	var b []byte
	b = pbAppendMessage(b, 1, pbPID(env.To))
	b = pbAppendMessage(b, 2, pbPID(env.From))

	var m []byte
	m = pbAppendVarint(m, 1, uint64(env.Msg.Kind))
	switch env.Msg.Kind {
	case gen.MsgKindUser:
		payload := lib.TakeBuffer()
		if err := p.Payload.Encode(env.Msg.User, payload); err != nil {
			lib.ReleaseBuffer(payload)
			return nil, err
		}
		m = protowire.AppendTag(m, 2, protowire.BytesType)
		m = protowire.AppendBytes(m, payload.B)
		lib.ReleaseBuffer(payload)
	case gen.MsgKindTimeout:
		m = pbAppendVarint(m, 3, uint64(env.Msg.Timeout))
	case gen.MsgKindReq:
		m = pbAppendVarint(m, 4, uint64(env.Msg.Req.Kind))
	case gen.MsgKindRpy:
		var r []byte
		r = pbAppendVarint(r, 1, uint64(env.Msg.Rpy.Kind))
		for k, v := range env.Msg.Rpy.Metrics {
			var metric []byte
			metric = pbAppendString(metric, 1, k)
			metric = pbAppendVarint(metric, 2, protowire.EncodeZigZag(v))
			r = pbAppendMessage(r, 2, metric)
		}
		r = pbAppendString(r, 3, env.Msg.Rpy.Error)
		m = pbAppendMessage(m, 5, r)
	case gen.MsgKindNotify:
		var n []byte
		n = pbAppendVarint(n, 1, uint64(env.Msg.Notify.Kind))
		n = pbAppendMessage(n, 2, pbNodeID(env.Msg.Notify.Node))
		m = pbAppendMessage(m, 6, n)
	}
	b = pbAppendMessage(b, 3, m)

	if cid := env.CorrelationID; cid != nil {
		var c []byte
		c = pbAppendMessage(c, 1, pbPID(cid.PID))
		c = pbAppendVarint(c, 2, cid.Connection)
		c = pbAppendVarint(c, 3, cid.Request)
		b = pbAppendMessage(b, 4, c)
	}
	return b, nil
}

func (p Protobuf[T]) decodeEnvelope(data []byte) (gen.Envelope[T], error) {
	var env gen.Envelope[T]
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		var err error
		switch num {
		case 1:
			env.To, err = pbDecodePID(v.bytes)
		case 2:
			env.From, err = pbDecodePID(v.bytes)
		case 3:
			env.Msg, err = p.decodeMsg(v.bytes)
		case 4:
			var cid gen.CorrelationID
			cid, err = pbDecodeCorrelationID(v.bytes)
			env.CorrelationID = &cid
		}
		return err
	})
	return env, err
}

func (p Protobuf[T]) decodeMsg(data []byte) (gen.Msg[T], error) {
	var msg gen.Msg[T]
	var user []byte
	hasUser := false
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		switch num {
		case 1:
			msg.Kind = gen.MsgKind(v.varint)
		case 2:
			user = v.bytes
			hasUser = true
		case 3:
			msg.Timeout = gen.TimerID(v.varint)
		case 4:
			msg.Req = gen.Req{Kind: gen.ReqKind(v.varint)}
		case 5:
			rpy, err := pbDecodeRpy(v.bytes)
			if err != nil {
				return err
			}
			msg.Rpy = rpy
		case 6:
			notify, err := pbDecodeNotify(v.bytes)
			if err != nil {
				return err
			}
			msg.Notify = notify
		}
		return nil
	})
	if err != nil {
		return msg, err
	}
	if err := checkMsgKind(msg.Kind); err != nil {
		return msg, err
	}
	if msg.Kind == gen.MsgKindUser {
		if hasUser == false {
			return msg, fmt.Errorf("%w: user message without payload", gen.ErrMalformed)
		}
		msg.User, err = p.Payload.Decode(user)
	}
	return msg, err
}

//
// encoding helpers
//

func pbAppendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func pbAppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func pbAppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func pbNodeID(n gen.NodeID) []byte {
	var b []byte
	b = pbAppendString(b, 1, n.Name)
	return pbAppendString(b, 2, n.Addr)
}

func pbPID(p gen.PID) []byte {
	var b []byte
	b = pbAppendString(b, 1, p.Name)
	b = pbAppendString(b, 2, p.Group)
	return pbAppendMessage(b, 3, pbNodeID(p.Node))
}

func pbDot(d lib.Dot) []byte {
	var b []byte
	b = pbAppendString(b, 1, d.Actor)
	return pbAppendVarint(b, 2, d.Counter)
}

func pbMembers(m *gen.Members) []byte {
	var orset []byte
	for _, entry := range m.ORSet.Entries {
		var e []byte
		e = pbAppendMessage(e, 1, pbNodeID(entry.Element))
		for _, dot := range entry.Dots {
			e = pbAppendMessage(e, 2, pbDot(dot))
		}
		orset = pbAppendMessage(orset, 1, e)
	}
	for _, dot := range m.ORSet.Removed {
		orset = pbAppendMessage(orset, 2, pbDot(dot))
	}

	var b []byte
	b = pbAppendMessage(b, 1, pbNodeID(m.From))
	return pbAppendMessage(b, 2, orset)
}

func pbDelta(d *lib.Delta[gen.NodeID]) []byte {
	var b []byte
	b = pbAppendVarint(b, 1, uint64(d.Kind))
	b = pbAppendMessage(b, 2, pbNodeID(d.Element))
	b = pbAppendMessage(b, 3, pbDot(d.Dot))
	for _, dot := range d.Dots {
		b = pbAppendMessage(b, 4, pbDot(dot))
	}
	return b
}

//
// decoding helpers
//

type pbValue struct {
	varint uint64
	bytes  []byte
}

// pbFields walks through the fields of a message. Unknown wire types are
// skipped.
func pbFields(data []byte, fn func(num protowire.Number, v pbValue) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %s", gen.ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		var v pbValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %s", gen.ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: %s", gen.ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

func pbDecodeNodeID(data []byte) (gen.NodeID, error) {
	var node gen.NodeID
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		switch num {
		case 1:
			node.Name = string(v.bytes)
		case 2:
			node.Addr = string(v.bytes)
		}
		return nil
	})
	return node, err
}

func pbDecodePID(data []byte) (gen.PID, error) {
	var pid gen.PID
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		var err error
		switch num {
		case 1:
			pid.Name = string(v.bytes)
		case 2:
			pid.Group = string(v.bytes)
		case 3:
			pid.Node, err = pbDecodeNodeID(v.bytes)
		}
		return err
	})
	return pid, err
}

func pbDecodeCorrelationID(data []byte) (gen.CorrelationID, error) {
	var cid gen.CorrelationID
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		var err error
		switch num {
		case 1:
			cid.PID, err = pbDecodePID(v.bytes)
		case 2:
			cid.Connection = v.varint
		case 3:
			cid.Request = v.varint
		}
		return err
	})
	return cid, err
}

func pbDecodeRpy(data []byte) (gen.Rpy, error) {
	var rpy gen.Rpy
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		switch num {
		case 1:
			rpy.Kind = gen.RpyKind(v.varint)
		case 2:
			var key string
			var value int64
			err := pbFields(v.bytes, func(num protowire.Number, v pbValue) error {
				switch num {
				case 1:
					key = string(v.bytes)
				case 2:
					value = protowire.DecodeZigZag(v.varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if rpy.Metrics == nil {
				rpy.Metrics = make(map[string]int64)
			}
			rpy.Metrics[key] = value
		case 3:
			rpy.Error = string(v.bytes)
		}
		return nil
	})
	return rpy, err
}

func pbDecodeNotify(data []byte) (gen.Notify, error) {
	var notify gen.Notify
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		var err error
		switch num {
		case 1:
			notify.Kind = gen.NotifyKind(v.varint)
		case 2:
			notify.Node, err = pbDecodeNodeID(v.bytes)
		}
		return err
	})
	return notify, err
}

func pbDecodeDot(data []byte) (lib.Dot, error) {
	var dot lib.Dot
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		switch num {
		case 1:
			dot.Actor = string(v.bytes)
		case 2:
			dot.Counter = v.varint
		}
		return nil
	})
	return dot, err
}

func pbDecodeDelta(data []byte) (lib.Delta[gen.NodeID], error) {
	var delta lib.Delta[gen.NodeID]
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		var err error
		switch num {
		case 1:
			delta.Kind = lib.DeltaKind(v.varint)
		case 2:
			delta.Element, err = pbDecodeNodeID(v.bytes)
		case 3:
			delta.Dot, err = pbDecodeDot(v.bytes)
		case 4:
			var dot lib.Dot
			dot, err = pbDecodeDot(v.bytes)
			delta.Dots = append(delta.Dots, dot)
		}
		return err
	})
	return delta, err
}

func pbDecodeMembers(data []byte) (gen.Members, error) {
	var members gen.Members
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		var err error
		switch num {
		case 1:
			members.From, err = pbDecodeNodeID(v.bytes)
		case 2:
			err = pbFields(v.bytes, func(num protowire.Number, v pbValue) error {
				switch num {
				case 1:
					entry, err := pbDecodeEntry(v.bytes)
					if err != nil {
						return err
					}
					members.ORSet.Entries = append(members.ORSet.Entries, entry)
				case 2:
					dot, err := pbDecodeDot(v.bytes)
					if err != nil {
						return err
					}
					members.ORSet.Removed = append(members.ORSet.Removed, dot)
				}
				return nil
			})
		}
		return err
	})
	return members, err
}

func pbDecodeEntry(data []byte) (lib.ORSetEntry[gen.NodeID], error) {
	var entry lib.ORSetEntry[gen.NodeID]
	err := pbFields(data, func(num protowire.Number, v pbValue) error {
		var err error
		switch num {
		case 1:
			entry.Element, err = pbDecodeNodeID(v.bytes)
		case 2:
			var dot lib.Dot
			dot, err = pbDecodeDot(v.bytes)
			entry.Dots = append(entry.Dots, dot)
		}
		return err
	})
	return entry, err
}
