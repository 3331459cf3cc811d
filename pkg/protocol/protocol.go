package protocol

import (
	"net/netip"
)

// Frame tags
const (
	TagConnInit   byte = 0x01
	TagData       byte = 0x02
	TagNodeInfo   byte = 0x03
	TagPing       byte = 0x04
	TagPong       byte = 0x05
	TagConnClosed byte = 0x06
)

// Message is one protocol frame.
type Message interface {
	Tag() byte
}

// ConnInit is the first frame on every connection. ServerAddr is the sender's
// listening address; the zero value means the sender does not accept peers.
type ConnInit struct {
	ServerAddr netip.AddrPort
}

// Data carries an application chat payload.
type Data struct {
	Payload []byte
}

// NodeInfo announces that the sender is connected to Addr with the given ping (ms).
type NodeInfo struct {
	Addr netip.AddrPort
	Ping uint16
}

// Ping requests a Pong; the round trip refreshes the latency estimate.
type Ping struct{}

// Pong answers a Ping. Info optionally names a third peer the sender knows,
// so the receiver can triangulate.
type Pong struct {
	Info *NodeInfo
}

// ConnClosed announces a graceful close.
type ConnClosed struct{}

func (ConnInit) Tag() byte   { return TagConnInit }
func (Data) Tag() byte       { return TagData }
func (NodeInfo) Tag() byte   { return TagNodeInfo }
func (Ping) Tag() byte       { return TagPing }
func (Pong) Tag() byte       { return TagPong }
func (ConnClosed) Tag() byte { return TagConnClosed }

// TagName returns a short lowercase name for a tag, used in logs and metric labels.
func TagName(tag byte) string {
	switch tag {
	case TagConnInit:
		return "conn_init"
	case TagData:
		return "data"
	case TagNodeInfo:
		return "node_info"
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagConnClosed:
		return "conn_closed"
	default:
		return "unknown"
	}
}
