package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/peer"
	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
)

// ErrNoHandshake is returned when an inbound peer's first frame is not ConnInit.
var ErrNoHandshake = errors.New("first frame is not a connection init")

// Server accepts inbound peers and registers them with the node.
type Server struct {
	node             *peer.Node
	handshakeTimeout time.Duration
	advertise        string
	listener         net.Listener

	acceptEOFLock       sync.Mutex
	acceptEOFLastLogAt  time.Time
	acceptEOFSuppressed int
}

// New creates a server for node. advertise overrides the address announced to
// peers; empty means the bound address.
func New(node *peer.Node, handshakeTimeout time.Duration, advertise string) *Server {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Server{node: node, handshakeTimeout: handshakeTimeout, advertise: advertise}
}

// Listen binds bindAddr and records this node's server address in the registry.
func (s *Server) Listen(bindAddr string) error {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}

	self, err := s.serverAddr(listener.Addr())
	if err != nil {
		_ = listener.Close()
		return err
	}
	if err := s.node.Registry.SetServerAddr(self); err != nil {
		_ = listener.Close()
		return err
	}
	s.listener = listener
	logging.Logf("[listen] peer addr=%s advertise=%s", listener.Addr(), self)
	return nil
}

func (s *Server) serverAddr(bound net.Addr) (netip.AddrPort, error) {
	if s.advertise != "" {
		ap, err := netip.ParseAddrPort(s.advertise)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid advertise address %q: %w", s.advertise, err)
		}
		return ap, nil
	}
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected listener address %T", bound)
	}
	ap := tcp.AddrPort()
	ip := ap.Addr().Unmap()
	if ip.IsUnspecified() {
		// Peers cannot dial an unspecified address.
		ip = netip.MustParseAddr("127.0.0.1")
		logging.Warnf("[listen] bound to %s without node.advertise_addr; advertising %s, which only local peers can reach", bound, ip)
		s.node.Alert(types.AlertWarning, "Advertising loopback address %s. Set node.advertise_addr so remote peers can reach this node", netip.AddrPortFrom(ip, ap.Port()))
	}
	return netip.AddrPortFrom(ip, ap.Port()), nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts peers until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("serve called before listen")
	}
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Logf("Error accepting connection: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(raw net.Conn) {
	remote := raw.RemoteAddr().String()
	logging.Debugf("[accept] new connection (remote=%s)", remote)

	conn := peer.NewConn(raw)
	key, advertised, err := s.handshake(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.logAcceptEOF(remote)
		} else {
			logging.Logf("[accept] handshake failed (remote=%s): %v", remote, err)
		}
		_ = conn.Shutdown()
		return
	}

	if self, ok := s.node.Registry.ServerAddr(); ok && self == key {
		logging.Logf("[accept] refusing connection from self (remote=%s)", remote)
		_ = conn.Shutdown()
		return
	}

	var gossip []protocol.NodeInfo
	err = s.node.Registry.Write(func(tx peer.WriteTx) error {
		if err := tx.Insert(key, conn, types.StreamMetadata{Probe: types.Idle(), Advertised: advertised}); err != nil {
			return err
		}
		// Only dialable peers with a real latency sample are worth introducing.
		tx.Each(func(addr types.PeerAddr, meta types.StreamMetadata) {
			if addr != key && meta.Advertised && meta.Measured {
				gossip = append(gossip, protocol.NodeInfo{Addr: addr, Ping: meta.Ping})
			}
		})
		return nil
	})
	if err != nil {
		logging.Logf("[accept] dropping %s (remote=%s): %v", key, remote, err)
		_ = conn.Shutdown()
		return
	}
	s.node.Alert(types.AlertInfo, "Peer %s joined", key)

	for _, info := range gossip {
		if err := s.node.Send(conn, info); err != nil {
			if s.node.Registry.RemoveConn(key, conn) {
				s.node.Metrics.RecordDisconnect("write_error")
			}
			s.node.Alert(types.AlertError, "Failed to introduce peers to %s - %v", key, err)
			return
		}
	}
	logging.Debugf("[accept] registered %s (remote=%s gossip=%d)", key, remote, len(gossip))
	s.node.StartReader(key, conn)
}

// handshake reads ConnInit and returns the key the peer is registered under:
// its advertised server address, or the socket address for client-only peers.
// advertised reports which of the two the key is.
func (s *Server) handshake(conn *peer.Conn) (key types.PeerAddr, advertised bool, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	msg, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return types.PeerAddr{}, false, err
	}
	s.node.Metrics.RecordFrameReceived(protocol.TagName(msg.Tag()))

	hello, ok := msg.(protocol.ConnInit)
	if !ok {
		return types.PeerAddr{}, false, fmt.Errorf("%w: got %s", ErrNoHandshake, protocol.TagName(msg.Tag()))
	}
	if hello.ServerAddr.IsValid() {
		return hello.ServerAddr, true, nil
	}
	tcp, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return types.PeerAddr{}, false, fmt.Errorf("unexpected remote address %T", conn.RemoteAddr())
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), false, nil
}

// logAcceptEOF reports connections closed before the handshake at most once
// per window, counting the ones it suppressed.
func (s *Server) logAcceptEOF(remote string) {
	now := time.Now()

	s.acceptEOFLock.Lock()
	defer s.acceptEOFLock.Unlock()

	const window = 5 * time.Second
	if !s.acceptEOFLastLogAt.IsZero() && now.Sub(s.acceptEOFLastLogAt) < window {
		s.acceptEOFSuppressed++
		return
	}

	if s.acceptEOFSuppressed > 0 {
		logging.Debugf("[accept] initial read EOF (remote=%s) (suppressed=%d in last=%s)",
			remote, s.acceptEOFSuppressed, now.Sub(s.acceptEOFLastLogAt).Truncate(time.Second))
	} else {
		logging.Debugf("[accept] initial read EOF (remote=%s)", remote)
	}
	s.acceptEOFSuppressed = 0
	s.acceptEOFLastLogAt = now
}
