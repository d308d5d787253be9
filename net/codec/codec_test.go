package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib"
)

type testMsg struct {
	Op     string
	Value  int64
	Values []string
}

var (
	n1 = gen.NodeID{Name: "n1", Addr: "127.0.0.1:5000"}
	n2 = gen.NodeID{Name: "n2", Addr: "127.0.0.1:5001"}

	pidA = gen.PID{Name: "a", Node: n1}
	pidB = gen.PID{Name: "b", Group: "replicas", Node: n2}
)

func testMessages() []gen.ExternalMsg[testMsg] {
	orset := lib.NewORSet[gen.NodeID]()
	orset.Add(n1.String(), n1)
	orset.Add(n1.String(), n2)
	orset.Add(n2.String(), n2)
	rm, _ := orset.Remove(n2)
	orset.Add(n1.String(), n2)

	add := orset.Add(n2.String(), gen.NodeID{Name: "n3", Addr: "127.0.0.1:5002"})

	envelopes := []gen.Envelope[testMsg]{
		{To: pidB, From: pidA, Msg: gen.MsgUser(testMsg{Op: "op", Value: -42, Values: []string{"v0", "v1"}})},
		{To: pidB, From: pidA, Msg: gen.MsgUser(testMsg{})},
		{To: pidA, From: pidA, Msg: gen.MsgTimeout[testMsg](7)},
		{To: pidB, From: pidA, Msg: gen.MsgReq[testMsg](gen.Req{Kind: gen.ReqGetMetrics})},
		{To: pidB, From: pidA, Msg: gen.MsgShutdown[testMsg]()},
		{To: pidA, From: pidB, Msg: gen.MsgRpy[testMsg](gen.Rpy{Kind: gen.RpyMetrics, Metrics: map[string]int64{"handled": 10, "delta": -3}})},
		{To: pidA, From: pidB, Msg: gen.MsgRpy[testMsg](gen.Rpy{Kind: gen.RpyError, Error: "no such pid"})},
		{To: pidA, From: pidB, Msg: gen.MsgNotify[testMsg](gen.Notify{Kind: gen.NotifyNodeDown, Node: n2})},
		{
			To:            pidB,
			From:          pidA,
			Msg:           gen.MsgUser(testMsg{Op: "reply"}),
			CorrelationID: &gen.CorrelationID{PID: pidA, Connection: 3, Request: 17},
		},
		{
			To:            pidB,
			From:          pidA,
			Msg:           gen.MsgUser(testMsg{Op: "pid only"}),
			CorrelationID: &gen.CorrelationID{PID: pidA},
		},
	}

	msgs := []gen.ExternalMsg[testMsg]{
		gen.ExternalMsgPing[testMsg](),
		gen.ExternalMsgMembers[testMsg](n1, orset.State()),
		gen.ExternalMsgDelta[testMsg](add),
		gen.ExternalMsgDelta[testMsg](rm),
	}
	for _, env := range envelopes {
		msgs = append(msgs, gen.ExternalMsgEnvelope(env))
	}
	return msgs
}

func testRoundTrip(t *testing.T, c Codec[testMsg]) {
	for _, msg := range testMessages() {
		msg := msg
		var buf bytes.Buffer
		require.NoError(t, c.Encode(&msg, &buf))

		decoded, err := c.Decode(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, msg, decoded, "kind %s", msg.Kind)
	}
}

func TestMsgPackRoundTrip(t *testing.T) {
	testRoundTrip(t, MsgPack[testMsg]{})
}

func TestProtobufRoundTrip(t *testing.T) {
	testRoundTrip(t, Protobuf[testMsg]{Payload: MsgPackPayload[testMsg]{}})
}

func TestProtobufStringPayload(t *testing.T) {
	c := Protobuf[string]{Payload: StringPayload{}}
	for _, s := range []string{"hello", ""} {
		msg := gen.ExternalMsgEnvelope(gen.Envelope[string]{To: pidA, From: pidB, Msg: gen.MsgUser(s)})
		var buf bytes.Buffer
		require.NoError(t, c.Encode(&msg, &buf))
		decoded, err := c.Decode(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, c := range []Codec[testMsg]{MsgPack[testMsg]{}, Protobuf[testMsg]{Payload: MsgPackPayload[testMsg]{}}} {
		_, err := c.Decode([]byte{0xff, 0xff, 0xff})
		require.Error(t, err, c.Name())

		bad := gen.ExternalMsg[testMsg]{Kind: 99}
		var buf bytes.Buffer
		require.ErrorIs(t, c.Encode(&bad, &buf), gen.ErrUnknownKind)

		noBody := gen.ExternalMsg[testMsg]{Kind: gen.ExternalEnvelope}
		require.ErrorIs(t, c.Encode(&noBody, &buf), gen.ErrMalformed)
	}
}

func TestByName(t *testing.T) {
	c, err := ByName[string]("")
	require.NoError(t, err)
	require.Equal(t, NameMsgPack, c.Name())

	c, err = ByName[string](NameProtobuf)
	require.NoError(t, err)
	require.Equal(t, NameProtobuf, c.Name())

	_, err = ByName[string]("json")
	require.ErrorIs(t, err, gen.ErrUnknownKind)
}
