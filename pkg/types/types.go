package types

import (
	"net/netip"
	"time"
)

// PeerAddr identifies a peer by the address other nodes can reach it on.
type PeerAddr = netip.AddrPort

// ProbeState tracks whether a Ping sent by this node is still waiting for its Pong.
// The zero value is Idle.
type ProbeState struct {
	inFlight  bool
	startedAt time.Time
}

// Idle returns the state with no outstanding probe.
func Idle() ProbeState {
	return ProbeState{}
}

// InFlightSince returns the state of a probe sent at t.
func InFlightSince(t time.Time) ProbeState {
	return ProbeState{inFlight: true, startedAt: t}
}

// InFlight reports the send time of the outstanding probe, if any.
func (p ProbeState) InFlight() (time.Time, bool) {
	return p.startedAt, p.inFlight
}

func (p ProbeState) String() string {
	if !p.inFlight {
		return "idle"
	}
	return "in-flight since " + p.startedAt.Format(time.RFC3339Nano)
}

// StreamMetadata per-peer measurement record
type StreamMetadata struct {
	Ping          uint16     // Last round-trip latency in milliseconds
	Probe         ProbeState // Outstanding Ping probe, if any
	TopologyAngle float64    // Angle (radians) relative to the peer this one was triangulated against
	KnowsAbout    []PeerAddr // Peers this connection reported being connected to

	// Advertised is set when the key is a server address other nodes can dial.
	// Client-only peers are keyed by their socket address and never gossiped.
	Advertised bool
	// Measured is set once Ping holds a real round-trip sample.
	Measured bool
}

// Clone returns a copy that shares no memory with m.
func (m StreamMetadata) Clone() StreamMetadata {
	out := m
	if m.KnowsAbout != nil {
		out.KnowsAbout = append([]PeerAddr(nil), m.KnowsAbout...)
	}
	return out
}
