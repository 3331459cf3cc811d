package peer

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestNode(t *testing.T) (*Node, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	node := NewNode(Options{MaxDegree: 4, MaxPing: 60 * time.Second, ChannelBuffer: 64})
	node.Now = clock.Now
	t.Cleanup(node.Registry.Close)
	return node, clock
}

func addrOf(port uint16) types.PeerAddr {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

// pipeConn returns our side of an in-memory connection and the remote end.
func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return NewConn(local), remote
}

// register inserts a peer backed by a pipe and returns the remote end.
func register(t *testing.T, node *Node, addr types.PeerAddr, meta types.StreamMetadata) (*Conn, net.Conn) {
	t.Helper()
	conn, remote := pipeConn(t)
	require.NoError(t, node.Registry.Insert(addr, conn, meta))
	return conn, remote
}

func nextPackage(t *testing.T, node *Node) types.Package {
	t.Helper()
	select {
	case p := <-node.Packages:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a package")
		return nil
	}
}

// nextMessage skips alerts until a chat message arrives.
func nextMessage(t *testing.T, node *Node) types.MessagePackage {
	t.Helper()
	for {
		if m, ok := nextPackage(t, node).(types.MessagePackage); ok {
			return m
		}
	}
}

// nextAlert skips packages until an alert of the given level arrives.
func nextAlert(t *testing.T, node *Node, level types.AlertLevel) types.AlertPackage {
	t.Helper()
	for {
		if a, ok := nextPackage(t, node).(types.AlertPackage); ok && a.Level == level {
			return a
		}
	}
}

// flush sends a Data frame through the reader and waits for it, proving every
// earlier frame from remote has been handled.
func flush(t *testing.T, node *Node, remote net.Conn) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(remote, protocol.Data{Payload: []byte("flush")}))
	msg := nextMessage(t, node)
	require.Equal(t, "flush", string(msg.Payload))
}

func waitReader(t *testing.T, r *Reader) error {
	t.Helper()
	select {
	case <-r.Done():
		return r.Wait()
	case <-time.After(waitTimeout):
		t.Fatal("reader did not exit")
		return nil
	}
}
