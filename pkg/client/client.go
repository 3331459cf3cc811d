package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/latency-mesh/pkg/geometry"
	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/peer"
	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
)

// ErrLatencyCeiling is returned when the handshake took longer than the node's
// latency ceiling. The connection is dropped without registering it.
var ErrLatencyCeiling = errors.New("peer exceeds latency ceiling")

// SourceInfo names the peer that told us about the target, and the ping that
// peer measured to it.
type SourceInfo struct {
	Addr types.PeerAddr
	Ping uint16
}

// Connect dials target, introduces this node with ConnInit and registers the
// connection. The dial round trip becomes the initial ping. With src set, the
// target is triangulated against the source and src is recorded as a peer the
// target knows about. The returned reader is already running.
func Connect(ctx context.Context, node *peer.Node, target types.PeerAddr, src *SourceInfo) (*peer.Reader, error) {
	start := node.Now()
	raw, err := node.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	elapsed := node.Now().Sub(start)
	conn := peer.NewConn(raw)

	serverAddr, _ := node.Registry.ServerAddr()
	if err := node.Send(conn, protocol.ConnInit{ServerAddr: serverAddr}); err != nil {
		_ = conn.Shutdown()
		return nil, fmt.Errorf("send init to %s: %w", target, err)
	}
	node.Alert(types.AlertDebug, "Connected to %s in %v", target, elapsed)

	if elapsed > node.MaxPing {
		node.Alert(types.AlertWarning, "Ping with host %s is too big (%d). Disconnecting", target, elapsed.Milliseconds())
		_ = conn.Shutdown()
		node.Metrics.RecordConnectAborted()
		return nil, fmt.Errorf("connect %s: %w", target, ErrLatencyCeiling)
	}
	node.Alert(types.AlertInfo, "You joined to %s", target)

	ping := peer.PingMillis(elapsed)
	meta := types.StreamMetadata{Ping: ping, Probe: types.Idle(), Advertised: true, Measured: true}

	var alerts []types.AlertPackage
	err = node.Registry.Write(func(tx peer.WriteTx) error {
		if tx.Has(target) {
			return peer.ErrAlreadyConnected
		}
		if src != nil {
			if srcMeta, ok := tx.Get(src.Addr); ok {
				angle, err := geometry.Triangulate(srcMeta.Ping, ping, src.Ping)
				if err != nil {
					alerts = append(alerts, types.AlertPackage{
						Level: types.AlertDebug,
						Msg:   fmt.Sprintf("Angle for %s unknown (%d, %d, %d): %v", target, srcMeta.Ping, ping, src.Ping, err),
					})
				} else {
					meta.TopologyAngle = angle
					alerts = append(alerts, types.AlertPackage{
						Level: types.AlertDebug,
						Msg:   fmt.Sprintf("Angle for %s via %s is %.4f", target, src.Addr, angle),
					})
				}
			} else {
				alerts = append(alerts, types.AlertPackage{
					Level: types.AlertWarning,
					Msg:   fmt.Sprintf("Source %s of %s is no longer connected, angle unknown", src.Addr, target),
				})
			}
			meta.KnowsAbout = append(meta.KnowsAbout, src.Addr)
		}
		if err := tx.Insert(target, conn, meta); err != nil {
			return err
		}
		if _, ok := tx.SelectedRoom(); !ok {
			tx.SetSelectedRoom(target)
		}
		return nil
	})
	for _, a := range alerts {
		node.Publish(a)
	}
	if err != nil {
		_ = conn.Shutdown()
		if errors.Is(err, peer.ErrAlreadyConnected) {
			node.Alert(types.AlertWarning, "Already connected to %s, dropping the new connection", target)
		}
		return nil, fmt.Errorf("register %s: %w", target, err)
	}

	logging.Debugf("[client] registered %s (ping=%d angle=%.4f)", target, meta.Ping, meta.TopologyAngle)
	return node.StartReader(target, conn), nil
}
