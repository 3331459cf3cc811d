package mesh

import (
	"context"
	"errors"

	"github.com/latency-mesh/pkg/client"
	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/peer"
	"github.com/latency-mesh/pkg/types"
)

// ConnectFunc opens a connection to target on behalf of the discovery loop.
type ConnectFunc func(ctx context.Context, node *peer.Node, target types.PeerAddr, src *client.SourceInfo) (*peer.Reader, error)

// Run consumes connect requests produced by peer gossip until ctx is done or
// the command channel is closed. It is the only place new outbound links are
// opened after startup.
func Run(ctx context.Context, node *peer.Node, connect ConnectFunc) error {
	if connect == nil {
		connect = client.Connect
	}
	logging.Logf("[mesh] discovery started (max_degree=%d)", node.MaxDegree)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-node.Commands:
			if !ok {
				return nil
			}
			switch c := cmd.(type) {
			case types.ClientConnect:
				handleConnect(ctx, node, connect, c)
			default:
				logging.Warnf("[mesh] unknown command %T", cmd)
			}
		}
	}
}

func handleConnect(ctx context.Context, node *peer.Node, connect ConnectFunc, cmd types.ClientConnect) {
	var degree int
	var known, self bool
	node.Registry.Read(func(tx peer.ReadTx) {
		degree = tx.Len()
		known = tx.Has(cmd.Target)
		if addr, ok := tx.ServerAddr(); ok && addr == cmd.Target {
			self = true
		}
	})

	switch {
	case self, known:
		logging.Debugf("[mesh] skip %s (self=%v known=%v)", cmd.Target, self, known)
		return
	case degree >= node.MaxDegree:
		logging.Debugf("[mesh] skip %s: at max degree %d", cmd.Target, degree)
		return
	}

	logging.Debugf("[mesh] connecting to %s via %s (source ping=%d)", cmd.Target, cmd.Source, cmd.SourcePing)
	_, err := connect(ctx, node, cmd.Target, &client.SourceInfo{Addr: cmd.Source, Ping: cmd.SourcePing})
	switch {
	case err == nil:
	case errors.Is(err, client.ErrLatencyCeiling), errors.Is(err, peer.ErrAlreadyConnected):
		// Already reported by Connect.
	default:
		node.Alert(types.AlertError, "Failed to connect to %s - %v", cmd.Target, err)
	}
}
