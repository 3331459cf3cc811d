package peer

import (
	"errors"
	"fmt"
	"io"

	"github.com/latency-mesh/pkg/geometry"
	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
)

// Disconnect reasons (metric labels)
const (
	reasonConnClosed = "conn_closed"
	reasonEOF        = "eof"
	reasonReadError  = "read_error"
	reasonWriteError = "write_error"
	reasonLatency    = "latency"
	reasonStaleProbe = "stale_probe"
)

// Reader runs the receive loop of one connection. Frames from one peer are
// handled strictly in arrival order; decoding happens outside the registry lock.
type Reader struct {
	node *Node
	addr types.PeerAddr
	conn *Conn
	done chan struct{}
	err  error
}

// StartReader starts the receive loop for a registered connection. When the loop
// ends on anything but an explicit close, the connection is removed from the
// registry so no address is left with a dead socket.
func (n *Node) StartReader(addr types.PeerAddr, conn *Conn) *Reader {
	r := &Reader{
		node: n,
		addr: addr,
		conn: conn,
		done: make(chan struct{}),
	}
	n.readers.Add(1)
	go func() {
		defer n.readers.Done()
		defer close(r.done)
		r.err = r.Run()
		if r.err != nil && n.Registry.RemoveConn(addr, conn) {
			reason := reasonReadError
			if errors.Is(r.err, io.EOF) {
				reason = reasonEOF
			}
			n.Metrics.RecordDisconnect(reason)
		}
		logging.Debugf("[reader] loop exited (peer=%s err=%v)", addr, r.err)
	}()
	return r
}

// Addr returns the peer this reader serves.
func (r *Reader) Addr() types.PeerAddr {
	return r.addr
}

// Done is closed when the loop has exited.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the loop exits and returns its error.
func (r *Reader) Wait() error {
	<-r.done
	return r.err
}

// Run reads and handles frames until the connection ends. It returns nil when the
// loop itself removed the connection (ConnClosed or latency abort) and an error
// otherwise, io.EOF for a peer that went away without notice.
func (r *Reader) Run() error {
	for {
		msg, err := r.conn.ReadMessage()
		if err != nil {
			if err == io.EOF {
				r.node.Alert(types.AlertInfo, "Peer %s closed the connection", r.addr)
				return io.EOF
			}
			if r.conn.IsShutdown() {
				return fmt.Errorf("read %s: %w", r.addr, ErrConnShutdown)
			}
			r.node.Alert(types.AlertError, "Failed to read stream from %s - %v", r.addr, err)
			return fmt.Errorf("read %s: %w", r.addr, err)
		}
		r.node.Metrics.RecordFrameReceived(protocol.TagName(msg.Tag()))

		stop, err := r.handle(msg)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

func (r *Reader) handle(msg protocol.Message) (stop bool, err error) {
	switch m := msg.(type) {
	case protocol.Data:
		r.node.Publish(types.MessagePackage{From: r.addr, Payload: m.Payload})
	case protocol.NodeInfo:
		r.handleNodeInfo(m)
	case protocol.Ping:
		return false, r.handlePing()
	case protocol.Pong:
		return r.handlePong(m), nil
	case protocol.ConnClosed:
		if r.node.Registry.RemoveConn(r.addr, r.conn) {
			r.node.Metrics.RecordDisconnect(reasonConnClosed)
		} else {
			_ = r.conn.Shutdown()
		}
		r.node.Alert(types.AlertInfo, "Peer %s left", r.addr)
		return true, nil
	case protocol.ConnInit:
		r.node.Alert(types.AlertWarning, "Unexpected init message from %s after handshake, ignoring", r.addr)
	default:
		r.node.Alert(types.AlertWarning, "Unhandled %s message from %s", protocol.TagName(msg.Tag()), r.addr)
	}
	return false, nil
}

// handleNodeInfo turns gossip about a peer we are not connected to into a
// connect request, while the mesh degree is below the cap.
func (r *Reader) handleNodeInfo(info protocol.NodeInfo) {
	var degree int
	var known, self bool
	r.node.Registry.Read(func(tx ReadTx) {
		degree = tx.Len()
		known = tx.Has(info.Addr)
		if server, ok := tx.ServerAddr(); ok && server == info.Addr {
			self = true
		}
	})

	switch {
	case degree >= r.node.MaxDegree:
		// TODO: replace the slowest peer when info.Ping beats its latency.
		r.node.Alert(types.AlertDebug, "Ignoring %s from %s: already at %d peers", info.Addr, r.addr, degree)
	case known || self:
		// Already connected.
	default:
		r.node.Command(types.ClientConnect{
			Source:     r.addr,
			SourcePing: info.Ping,
			Target:     info.Addr,
		})
	}
}

// handlePing answers with a Pong naming the first peer this connection told us
// about, so the prober on the other side can triangulate.
func (r *Reader) handlePing() error {
	var info *protocol.NodeInfo
	r.node.Registry.Read(func(tx ReadTx) {
		meta, ok := tx.Get(r.addr)
		if !ok || len(meta.KnowsAbout) == 0 {
			return
		}
		target := meta.KnowsAbout[0]
		if targetMeta, ok := tx.Get(target); ok {
			info = &protocol.NodeInfo{Addr: target, Ping: targetMeta.Ping}
		}
	})

	if err := r.node.Send(r.conn, protocol.Pong{Info: info}); err != nil {
		if r.node.Registry.RemoveConn(r.addr, r.conn) {
			r.node.Metrics.RecordDisconnect(reasonWriteError)
		}
		r.node.Alert(types.AlertError, "Failed to answer ping from %s - %v", r.addr, err)
		return fmt.Errorf("pong %s: %w", r.addr, err)
	}
	return nil
}

// handlePong completes an outstanding probe. It reports whether the connection
// was dropped for exceeding the latency ceiling.
func (r *Reader) handlePong(pong protocol.Pong) bool {
	now := r.node.Now()

	var (
		alerts  []types.AlertPackage
		tooSlow bool
		elapsed uint16
	)
	_ = r.node.Registry.Write(func(tx WriteTx) error {
		meta, ok := tx.Meta(r.addr)
		if !ok {
			return nil
		}
		startedAt, inFlight := meta.Probe.InFlight()
		if !inFlight {
			// No ping outstanding, nothing to measure.
			return nil
		}

		rtt := now.Sub(startedAt)
		if rtt > r.node.MaxPing {
			tooSlow = true
			alerts = append(alerts, types.AlertPackage{
				Level: types.AlertWarning,
				Msg:   fmt.Sprintf("Ping with host %s is too big (%d). Disconnecting", r.addr, rtt.Milliseconds()),
			})
			if tx.RemoveConn(r.addr, r.conn) {
				r.node.Metrics.RecordDisconnect(reasonLatency)
			}
			return nil
		}
		elapsed = PingMillis(rtt)

		if pong.Info != nil {
			if third, ok := tx.Get(pong.Info.Addr); ok {
				angle, err := geometry.Triangulate(third.Ping, elapsed, pong.Info.Ping)
				if err != nil {
					alerts = append(alerts, types.AlertPackage{
						Level: types.AlertDebug,
						Msg:   fmt.Sprintf("Angle for %s unknown (%d, %d, %d): %v", r.addr, third.Ping, elapsed, pong.Info.Ping, err),
					})
				} else {
					meta.TopologyAngle = angle
				}
			}
		}
		meta.Ping = elapsed
		meta.Measured = true
		meta.Probe = types.Idle()
		return nil
	})

	for _, a := range alerts {
		r.node.Publish(a)
	}
	if tooSlow {
		_ = r.conn.Shutdown()
	}
	return tooSlow
}
