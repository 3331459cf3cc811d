package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllVariants(t *testing.T) {
	t.Parallel()
	v4 := netip.MustParseAddrPort("127.0.0.1:7001")
	v6 := netip.MustParseAddrPort("[2001:db8::1]:7002")

	messages := []Message{
		ConnInit{},
		ConnInit{ServerAddr: v4},
		ConnInit{ServerAddr: v6},
		Data{},
		Data{Payload: []byte("hello mesh")},
		NodeInfo{Addr: v4, Ping: 42},
		NodeInfo{Addr: v6, Ping: 65535},
		Ping{},
		Pong{},
		Pong{Info: &NodeInfo{Addr: v6, Ping: 17}},
		ConnClosed{},
	}

	var stream bytes.Buffer
	for _, m := range messages {
		require.NoError(t, WriteMessage(&stream, m))
	}
	for _, want := range messages {
		got, err := ReadMessage(&stream)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadMessage(&stream)
	assert.Equal(t, io.EOF, err)
}

func TestPointerMessagesEncodeLikeValues(t *testing.T) {
	t.Parallel()
	info := NodeInfo{Addr: netip.MustParseAddrPort("10.0.0.1:9000"), Ping: 3}

	byValue, err := Encode(Pong{Info: &info})
	require.NoError(t, err)
	byPointer, err := Encode(&Pong{Info: &info})
	require.NoError(t, err)
	assert.Equal(t, byValue, byPointer)
}

func TestCleanEndOfStreamIsIdempotent(t *testing.T) {
	t.Parallel()
	r := bytes.NewReader(nil)
	for i := 0; i < 3; i++ {
		msg, err := ReadMessage(r)
		assert.Nil(t, msg)
		assert.Equal(t, io.EOF, err)
	}
}

func TestTruncatedFrameIsNotCleanEOF(t *testing.T) {
	t.Parallel()
	frame, err := Encode(Data{Payload: []byte("abcdef")})
	require.NoError(t, err)

	for _, cut := range []int{1, headerSize - 1, headerSize + 2} {
		_, err := ReadMessage(bytes.NewReader(frame[:cut]))
		require.Error(t, err)
		assert.NotEqual(t, io.EOF, err)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	}
}

func TestMalformedFrames(t *testing.T) {
	t.Parallel()
	header := func(tag byte, size uint32) []byte {
		b := []byte{tag, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(b[1:], size)
		return b
	}
	cases := []struct {
		name  string
		frame []byte
	}{
		{name: "unknown tag", frame: header(0x7f, 0)},
		{name: "oversized", frame: header(TagData, MaxPayloadSize+1)},
		{name: "ping with payload", frame: append(header(TagPing, 1), 0)},
		{name: "conn closed with payload", frame: append(header(TagConnClosed, 2), 0, 0)},
		{name: "conn init bad flag", frame: append(header(TagConnInit, 1), 9)},
		{name: "conn init empty", frame: header(TagConnInit, 0)},
		{name: "node info truncated address", frame: append(header(TagNodeInfo, 2), 6, 127)},
		{name: "node info missing ping", frame: append(header(TagNodeInfo, 7), 6, 127, 0, 0, 1, 0x59, 0x1b)},
		{name: "node info zero address", frame: append(header(TagNodeInfo, 5), 2, 0, 0, 0, 1)},
		{name: "pong trailing bytes", frame: append(header(TagPong, 2), 0, 1)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadMessage(bytes.NewReader(tc.frame))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	t.Parallel()
	_, err := Encode(NodeInfo{Ping: 10})
	assert.Error(t, err)

	_, err = Encode(nil)
	assert.Error(t, err)

	_, err = Encode(Data{Payload: make([]byte, MaxPayloadSize+1)})
	assert.Error(t, err)
}

type shortWriter struct {
	calls int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, errors.New("broken pipe")
}

func TestWriteMessageUsesSingleWrite(t *testing.T) {
	t.Parallel()
	w := &shortWriter{}
	err := WriteMessage(w, Data{Payload: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, 1, w.calls)
}

func TestTagNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "pong", TagName(Pong{}.Tag()))
	assert.Equal(t, "conn_init", TagName(TagConnInit))
	assert.Equal(t, "unknown", TagName(0))
}
