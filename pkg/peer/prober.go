package peer

import (
	"context"
	"time"

	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
)

// Prober refreshes latency estimates by pinging idle peers, and drops peers whose
// probe has been outstanding for longer than the latency ceiling.
type Prober struct {
	node     *Node
	interval time.Duration
}

// NewProber creates a prober ticking every interval.
func NewProber(node *Node, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{node: node, interval: interval}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logging.Logf("[prober] started (interval=%v ceiling=%v)", p.interval, p.node.MaxPing)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ProbeOnce()
		}
	}
}

// pingTarget is a peer marked in-flight together with the connection the mark
// was made on.
type pingTarget struct {
	addr types.PeerAddr
	conn *Conn
}

// ProbeOnce runs a single round and returns the peers pinged and dropped.
func (p *Prober) ProbeOnce() (pinged, dropped []types.PeerAddr) {
	now := p.node.Now()

	var targets []pingTarget
	_ = p.node.Registry.Write(func(tx WriteTx) error {
		var stale []types.PeerAddr
		tx.EachMeta(func(addr types.PeerAddr, meta *types.StreamMetadata) {
			startedAt, inFlight := meta.Probe.InFlight()
			switch {
			case !inFlight:
				conn, _ := tx.Conn(addr)
				meta.Probe = types.InFlightSince(now)
				targets = append(targets, pingTarget{addr: addr, conn: conn})
			case now.Sub(startedAt) > p.node.MaxPing:
				stale = append(stale, addr)
			}
		})
		for _, addr := range stale {
			if tx.Remove(addr) {
				p.node.Metrics.RecordDisconnect(reasonStaleProbe)
				dropped = append(dropped, addr)
			}
		}
		return nil
	})

	for _, addr := range dropped {
		p.node.Alert(types.AlertWarning, "Host %s did not answer ping within %v. Disconnecting", addr, p.node.MaxPing)
	}
	return p.ping(targets), dropped
}

// ping sends Ping on each target's connection. A failed write removes the peer
// only while that same connection is still registered.
func (p *Prober) ping(targets []pingTarget) []types.PeerAddr {
	var sent []types.PeerAddr
	for _, tgt := range targets {
		if err := p.node.Send(tgt.conn, protocol.Ping{}); err != nil {
			if p.node.Registry.RemoveConn(tgt.addr, tgt.conn) {
				p.node.Metrics.RecordDisconnect(reasonWriteError)
			}
			p.node.Alert(types.AlertError, "Failed to ping %s - %v", tgt.addr, err)
			continue
		}
		sent = append(sent, tgt.addr)
	}
	return sent
}
