// Package codec implements the serialization of the frames exchanged
// between nodes. Both ends of a connection must use the same codec.
package codec

import (
	"fmt"
	"io"

	"github.com/ergo-services/rabble/gen"
)

// Codec encodes and decodes the payload of a single frame. The frame
// header is written by the caller.
type Codec[T any] interface {
	Name() string
	Encode(msg *gen.ExternalMsg[T], w io.Writer) error
	Decode(data []byte) (gen.ExternalMsg[T], error)
}

// Payload encodes the application message type. It is used by the codecs
// that can't serialize T on their own and by the TCP service for the
// client frames.
type Payload[T any] interface {
	Encode(v T, w io.Writer) error
	Decode(data []byte) (T, error)
}

// ByName returns the codec registered under the given name. Supported
// names are "msgpack" (default) and "protobuf".
func ByName[T any](name string) (Codec[T], error) {
	switch name {
	case "", NameMsgPack:
		return MsgPack[T]{}, nil
	case NameProtobuf:
		return Protobuf[T]{Payload: MsgPackPayload[T]{}}, nil
	}
	return nil, fmt.Errorf("%w: codec %q", gen.ErrUnknownKind, name)
}

func checkKind(kind gen.ExternalKind) error {
	switch kind {
	case gen.ExternalMembers, gen.ExternalDelta, gen.ExternalEnvelope, gen.ExternalPing:
		return nil
	}
	return fmt.Errorf("%w: external message kind %d", gen.ErrUnknownKind, kind)
}

func checkMsgKind(kind gen.MsgKind) error {
	switch kind {
	case gen.MsgKindUser, gen.MsgKindTimeout, gen.MsgKindReq, gen.MsgKindRpy, gen.MsgKindNotify:
		return nil
	}
	return fmt.Errorf("%w: message kind %d", gen.ErrUnknownKind, kind)
}
