package codec

import (
	"io"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPackPayload serializes the application message with msgpack
type MsgPackPayload[T any] struct{}

func (MsgPackPayload[T]) Encode(v T, w io.Writer) error {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(w)
	return errors.Trace(enc.Encode(v))
}

func (MsgPackPayload[T]) Decode(data []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, errors.Trace(err)
	}
	return v, nil
}

// StringPayload passes strings as raw bytes. It is used by the line
// oriented clients of the TCP service.
type StringPayload struct{}

func (StringPayload) Encode(v string, w io.Writer) error {
	_, err := io.WriteString(w, v)
	return err
}

func (StringPayload) Decode(data []byte) (string, error) {
	return string(data), nil
}
