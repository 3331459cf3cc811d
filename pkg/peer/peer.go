package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/latency-mesh/pkg/config"
	"github.com/latency-mesh/pkg/metrics"
	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
)

// MaxPingCeiling is the largest latency ceiling a uint16 millisecond ping can represent.
const MaxPingCeiling = time.Duration(1<<16-1) * time.Millisecond

// Options tune a Node.
type Options struct {
	MaxDegree     int           // Peers at which gossip stops triggering new connections
	MaxPing       time.Duration // Latency ceiling; slower peers are disconnected
	DialTimeout   time.Duration
	ChannelBuffer int
}

// OptionsFromConfig builds node options from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxDegree:     cfg.Mesh.MaxDegree,
		MaxPing:       cfg.GetMaxPing(),
		DialTimeout:   cfg.GetDialTimeout(),
		ChannelBuffer: cfg.Node.ChannelBuffer,
	}
}

// Node ties the registry to the two outbound event queues. Connection goroutines
// publish user-facing packages and discovery commands instead of dialing
// themselves; the discovery loop is the only caller of client.Connect.
type Node struct {
	Registry *Registry
	Packages chan types.Package
	Commands chan types.Command
	Metrics  *metrics.Collector

	MaxDegree int
	MaxPing   time.Duration

	// Now and Dial are replaceable in tests.
	Now  func() time.Time
	Dial func(ctx context.Context, addr types.PeerAddr) (net.Conn, error)

	readers sync.WaitGroup
}

// NewNode creates a node with an empty registry.
func NewNode(opts Options) *Node {
	if opts.MaxDegree <= 0 {
		opts.MaxDegree = 4
	}
	if opts.MaxPing <= 0 || opts.MaxPing > MaxPingCeiling {
		opts.MaxPing = 60 * time.Second
	}
	if opts.ChannelBuffer <= 0 {
		opts.ChannelBuffer = 1024
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}

	return &Node{
		Registry:  NewRegistry(),
		Packages:  make(chan types.Package, opts.ChannelBuffer),
		Commands:  make(chan types.Command, opts.ChannelBuffer),
		MaxDegree: opts.MaxDegree,
		MaxPing:   opts.MaxPing,
		Now:       time.Now,
		Dial: func(ctx context.Context, addr types.PeerAddr) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr.String())
		},
	}
}

// Publish delivers a package to the UI queue. Never call with the registry locked.
func (n *Node) Publish(p types.Package) {
	n.Packages <- p
}

// Alert publishes a leveled status line.
func (n *Node) Alert(level types.AlertLevel, format string, v ...interface{}) {
	n.Publish(types.AlertPackage{Level: level, Msg: fmt.Sprintf(format, v...)})
}

// Command delivers a request to the discovery loop.
func (n *Node) Command(cmd types.Command) {
	n.Metrics.RecordDiscoveryCommand()
	n.Commands <- cmd
}

// Send writes m on conn and counts it.
func (n *Node) Send(conn *Conn, m protocol.Message) error {
	if err := conn.Send(m); err != nil {
		return err
	}
	n.Metrics.RecordFrameSent(protocol.TagName(m.Tag()))
	return nil
}

// SendTo writes m to a registered peer.
func (n *Node) SendTo(addr types.PeerAddr, m protocol.Message) error {
	if err := n.Registry.Send(addr, m); err != nil {
		return err
	}
	n.Metrics.RecordFrameSent(protocol.TagName(m.Tag()))
	return nil
}

// PingMillis converts a measured duration to the wire representation.
func PingMillis(d time.Duration) uint16 {
	ms := d.Milliseconds()
	switch {
	case ms < 0:
		return 0
	case ms > 1<<16-1:
		return 1<<16 - 1
	default:
		return uint16(ms)
	}
}

// Wait blocks until every reader goroutine has exited.
func (n *Node) Wait() {
	n.readers.Wait()
}

// Shutdown tells every peer the connection is closing, then tears all
// connections down.
func (n *Node) Shutdown() {
	for _, addr := range n.Registry.Addrs() {
		_ = n.SendTo(addr, protocol.ConnClosed{})
	}
	n.Registry.Close()
}
