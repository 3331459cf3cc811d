package client

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/latency-mesh/pkg/peer"
	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func addrOf(port uint16) types.PeerAddr {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

// newNode returns a node whose Dial hands out one end of a pipe and charges
// latency on the clock. The remote ends are delivered on the returned channel.
func newNode(t *testing.T, latency time.Duration) (*peer.Node, chan net.Conn) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	node := peer.NewNode(peer.Options{MaxDegree: 4, MaxPing: 60 * time.Second, ChannelBuffer: 64})
	node.Now = clock.Now
	require.NoError(t, node.Registry.SetServerAddr(addrOf(7000)))

	remotes := make(chan net.Conn, 4)
	node.Dial = func(ctx context.Context, addr types.PeerAddr) (net.Conn, error) {
		local, remote := net.Pipe()
		t.Cleanup(func() {
			_ = local.Close()
			_ = remote.Close()
		})
		clock.Advance(latency)
		remotes <- remote
		return local, nil
	}
	t.Cleanup(node.Registry.Close)
	return node, remotes
}

// acceptInit reads the handshake frame on the next dialed connection.
func acceptInit(t *testing.T, remotes chan net.Conn) (net.Conn, <-chan protocol.Message) {
	t.Helper()
	var remote net.Conn
	select {
	case remote = <-remotes:
	case <-time.After(waitTimeout):
		t.Fatal("no dial")
	}
	ch := make(chan protocol.Message, 1)
	go func() {
		msg, _ := protocol.ReadMessage(remote)
		ch <- msg
	}()
	return remote, ch
}

// connectAsync runs Connect while the test plays the remote side.
func connectAsync(node *peer.Node, target types.PeerAddr, src *SourceInfo) <-chan error {
	ch := make(chan error, 1)
	go func() {
		_, err := Connect(context.Background(), node, target, src)
		ch <- err
	}()
	return ch
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("connect did not return")
		return nil
	}
}

func drainAlert(t *testing.T, node *peer.Node, level types.AlertLevel) types.AlertPackage {
	t.Helper()
	for {
		select {
		case p := <-node.Packages:
			if a, ok := p.(types.AlertPackage); ok && a.Level == level {
				return a
			}
		case <-time.After(waitTimeout):
			t.Fatalf("no %s alert", level)
		}
	}
}

func TestConnectRegistersPeer(t *testing.T) {
	node, remotes := newNode(t, 30*time.Millisecond)
	target := addrOf(7001)

	done := connectAsync(node, target, nil)
	_, initMsg := acceptInit(t, remotes)
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, protocol.ConnInit{ServerAddr: addrOf(7000)}, <-initMsg)

	meta, ok := node.Registry.Metadata(target)
	require.True(t, ok)
	assert.Equal(t, uint16(30), meta.Ping)
	assert.True(t, meta.Advertised)
	assert.True(t, meta.Measured)
	assert.Zero(t, meta.TopologyAngle)
	assert.Empty(t, meta.KnowsAbout)
	_, inFlight := meta.Probe.InFlight()
	assert.False(t, inFlight)

	room, ok := node.Registry.SelectedRoom()
	require.True(t, ok)
	assert.Equal(t, target, room)
	assert.Contains(t, drainAlert(t, node, types.AlertInfo).Msg, "You joined to")
}

func TestConnectTriangulatesAgainstSource(t *testing.T) {
	node, remotes := newNode(t, 30*time.Millisecond)
	source, target := addrOf(7001), addrOf(7002)

	local, srcRemote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = srcRemote.Close()
	})
	require.NoError(t, node.Registry.Insert(source, peer.NewConn(local), types.StreamMetadata{Ping: 40}))
	node.Registry.SetSelectedRoom(source)

	done := connectAsync(node, target, &SourceInfo{Addr: source, Ping: 50})
	acceptInit(t, remotes)
	require.NoError(t, waitErr(t, done))

	meta, ok := node.Registry.Metadata(target)
	require.True(t, ok)
	assert.Equal(t, uint16(30), meta.Ping)
	assert.InDelta(t, math.Pi/2, meta.TopologyAngle, 1e-9)
	assert.Equal(t, []types.PeerAddr{source}, meta.KnowsAbout)

	room, _ := node.Registry.SelectedRoom()
	assert.Equal(t, source, room, "an existing room stays selected")
}

func TestConnectWithDepartedSourceStillRecordsIt(t *testing.T) {
	node, remotes := newNode(t, 30*time.Millisecond)
	source, target := addrOf(7001), addrOf(7002)

	done := connectAsync(node, target, &SourceInfo{Addr: source, Ping: 50})
	acceptInit(t, remotes)
	require.NoError(t, waitErr(t, done))

	meta, ok := node.Registry.Metadata(target)
	require.True(t, ok)
	assert.Zero(t, meta.TopologyAngle)
	assert.Equal(t, []types.PeerAddr{source}, meta.KnowsAbout)
	drainAlert(t, node, types.AlertWarning)
}

func TestConnectAbortsOverLatencyCeiling(t *testing.T) {
	node, remotes := newNode(t, 70*time.Second)
	target := addrOf(7001)

	done := connectAsync(node, target, nil)
	remote, initMsg := acceptInit(t, remotes)
	err := waitErr(t, done)
	assert.True(t, errors.Is(err, ErrLatencyCeiling))
	assert.IsType(t, protocol.ConnInit{}, <-initMsg)

	assert.False(t, node.Registry.Has(target))
	assert.Contains(t, drainAlert(t, node, types.AlertWarning).Msg, "too big")

	_, err = protocol.ReadMessage(remote)
	assert.Equal(t, io.EOF, err)
}

func TestConnectRejectsDuplicate(t *testing.T) {
	node, remotes := newNode(t, 10*time.Millisecond)
	target := addrOf(7001)

	local, existing := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = existing.Close()
	})
	conn := peer.NewConn(local)
	require.NoError(t, node.Registry.Insert(target, conn, types.StreamMetadata{Ping: 5}))

	done := connectAsync(node, target, nil)
	remote, _ := acceptInit(t, remotes)
	err := waitErr(t, done)
	assert.ErrorIs(t, err, peer.ErrAlreadyConnected)
	assert.False(t, conn.IsShutdown(), "the existing connection survives")

	meta, _ := node.Registry.Metadata(target)
	assert.Equal(t, uint16(5), meta.Ping)

	_, err = protocol.ReadMessage(remote)
	assert.Equal(t, io.EOF, err)
}

func TestConnectDialFailure(t *testing.T) {
	node := peer.NewNode(peer.Options{ChannelBuffer: 8})
	dialErr := errors.New("connection refused")
	node.Dial = func(ctx context.Context, addr types.PeerAddr) (net.Conn, error) {
		return nil, dialErr
	}
	_, err := Connect(context.Background(), node, addrOf(7001), nil)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 0, node.Registry.Len())
}
