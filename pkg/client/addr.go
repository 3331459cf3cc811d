package client

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/types"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizePeerAddr returns addr in "host:port" form.
// - A bare port (e.g. "7000") gets defaultHost.
// - An empty host (e.g. ":7000") gets defaultHost.
// Anything else is returned trimmed and left for the resolver to reject.
func NormalizePeerAddr(addr string, defaultHost string) string {
	addr = strings.TrimSpace(addr)
	if isPortNumber(addr) {
		return net.JoinHostPort(defaultHost, addr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = defaultHost
	}
	return net.JoinHostPort(host, port)
}

// SplitPeerList parses a comma-separated list of peer addresses, dropping
// blanks and duplicates while keeping order.
func SplitPeerList(s string) []string {
	out := make([]string, 0)
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		addr = NormalizePeerAddr(addr, "127.0.0.1")
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// ResolvePeerAddr turns "host:port" into a peer address, resolving host names
// and preferring IPv4 results.
func ResolvePeerAddr(ctx context.Context, addr string) (types.PeerAddr, error) {
	addr = strings.TrimSpace(addr)
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return types.PeerAddr{}, fmt.Errorf("invalid peer address %q", addr)
	}
	portNum, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return types.PeerAddr{}, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return types.PeerAddr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return types.PeerAddr{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	chosen := ips[0]
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			chosen = ip
			break
		}
	}
	logging.Debugf("[client] resolved %s to %s (candidates=%d)", host, chosen, len(ips))
	return netip.AddrPortFrom(chosen.Unmap(), uint16(portNum)), nil
}
