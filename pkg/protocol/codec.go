package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// Frame layout: tag(1) | payload length(4, big-endian) | payload
const (
	headerSize = 5

	// MaxPayloadSize bounds a single frame so a corrupt length cannot make the
	// reader allocate unbounded memory.
	MaxPayloadSize = 16 << 20
)

// ErrMalformedFrame is wrapped by every decode error caused by frame contents
// rather than by the underlying stream.
var ErrMalformedFrame = errors.New("malformed frame")

func malformed(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, v...))
}

// Encode returns the complete frame for m.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	payload, err := encodePayload(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TagName(m.Tag()), err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: payload of %d bytes exceeds %d", TagName(m.Tag()), len(payload), MaxPayloadSize)
	}

	frame := make([]byte, headerSize, headerSize+len(payload))
	frame[0] = m.Tag()
	binary.BigEndian.PutUint32(frame[1:headerSize], uint32(len(payload)))
	return append(frame, payload...), nil
}

// WriteMessage encodes m and writes it with a single Write call. Callers sharing
// w between goroutines must serialise calls.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", TagName(m.Tag()), err)
	}
	return nil
}

// ReadMessage reads exactly one frame from r.
// It returns io.EOF, unwrapped, when the stream ended cleanly on a frame
// boundary; every other failure is a wrapped error.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	tag := header[0]
	if TagName(tag) == "unknown" {
		return nil, malformed("unknown tag 0x%02x", tag)
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxPayloadSize {
		return nil, malformed("%s payload of %d bytes exceeds %d", TagName(tag), size, MaxPayloadSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read %s payload: %w", TagName(tag), err)
	}
	msg, err := decodePayload(tag, payload)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func encodePayload(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case ConnInit:
		if !msg.ServerAddr.IsValid() {
			return []byte{0}, nil
		}
		return appendAddr([]byte{1}, msg.ServerAddr)
	case *ConnInit:
		return encodePayload(*msg)
	case Data:
		return msg.Payload, nil
	case *Data:
		return msg.Payload, nil
	case NodeInfo:
		return appendNodeInfo(nil, msg)
	case *NodeInfo:
		return appendNodeInfo(nil, *msg)
	case Ping, *Ping, ConnClosed, *ConnClosed:
		return nil, nil
	case Pong:
		if msg.Info == nil {
			return []byte{0}, nil
		}
		return appendNodeInfo([]byte{1}, *msg.Info)
	case *Pong:
		return encodePayload(*msg)
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}
}

func decodePayload(tag byte, payload []byte) (Message, error) {
	switch tag {
	case TagConnInit:
		rest, present, err := readFlag(payload)
		if err != nil {
			return nil, err
		}
		msg := ConnInit{}
		if present {
			if msg.ServerAddr, rest, err = readAddr(rest); err != nil {
				return nil, err
			}
		}
		return msg, expectEmpty(tag, rest)
	case TagData:
		if len(payload) == 0 {
			return Data{}, nil
		}
		return Data{Payload: payload}, nil
	case TagNodeInfo:
		info, rest, err := readNodeInfo(payload)
		if err != nil {
			return nil, err
		}
		return info, expectEmpty(tag, rest)
	case TagPing:
		return Ping{}, expectEmpty(tag, payload)
	case TagConnClosed:
		return ConnClosed{}, expectEmpty(tag, payload)
	case TagPong:
		rest, present, err := readFlag(payload)
		if err != nil {
			return nil, err
		}
		msg := Pong{}
		if present {
			info, r, err := readNodeInfo(rest)
			if err != nil {
				return nil, err
			}
			msg.Info, rest = &info, r
		}
		return msg, expectEmpty(tag, rest)
	}
	return nil, malformed("unknown tag 0x%02x", tag)
}

func expectEmpty(tag byte, rest []byte) error {
	if len(rest) != 0 {
		return malformed("%d trailing bytes in %s frame", len(rest), TagName(tag))
	}
	return nil
}

func readFlag(b []byte) ([]byte, bool, error) {
	if len(b) < 1 {
		return nil, false, malformed("missing presence flag")
	}
	switch b[0] {
	case 0:
		return b[1:], false, nil
	case 1:
		return b[1:], true, nil
	default:
		return nil, false, malformed("invalid presence flag %d", b[0])
	}
}

// Addresses are encoded as len(1) | netip.AddrPort binary form.
func appendAddr(b []byte, addr netip.AddrPort) ([]byte, error) {
	raw, err := addr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(raw) > 255 {
		return nil, fmt.Errorf("address %s too long", addr)
	}
	b = append(b, byte(len(raw)))
	return append(b, raw...), nil
}

func readAddr(b []byte) (netip.AddrPort, []byte, error) {
	if len(b) < 1 {
		return netip.AddrPort{}, nil, malformed("missing address length")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return netip.AddrPort{}, nil, malformed("address truncated: want %d bytes, have %d", n, len(b)-1)
	}
	var addr netip.AddrPort
	if err := addr.UnmarshalBinary(b[1 : 1+n]); err != nil {
		return netip.AddrPort{}, nil, malformed("address: %v", err)
	}
	if !addr.IsValid() {
		return netip.AddrPort{}, nil, malformed("invalid address")
	}
	return addr, b[1+n:], nil
}

func appendNodeInfo(b []byte, info NodeInfo) ([]byte, error) {
	if !info.Addr.IsValid() {
		return nil, errors.New("node info without address")
	}
	b, err := appendAddr(b, info.Addr)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16(b, info.Ping), nil
}

func readNodeInfo(b []byte) (NodeInfo, []byte, error) {
	addr, rest, err := readAddr(b)
	if err != nil {
		return NodeInfo{}, nil, err
	}
	if len(rest) < 2 {
		return NodeInfo{}, nil, malformed("node info ping truncated")
	}
	return NodeInfo{Addr: addr, Ping: binary.BigEndian.Uint16(rest)}, rest[2:], nil
}
