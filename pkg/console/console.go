package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/peer"
	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
)

// ErrNoRoom is returned when there is no peer to send typed input to.
var ErrNoRoom = errors.New("no room selected")

// Format renders a package as a single console line.
func Format(p types.Package) (types.AlertLevel, string) {
	switch pkg := p.(type) {
	case types.MessagePackage:
		return types.AlertInfo, fmt.Sprintf("User: %s: %s", pkg.From, strings.TrimRight(string(pkg.Payload), "\r\n"))
	case types.AlertPackage:
		return pkg.Level, pkg.Msg
	default:
		return types.AlertWarning, fmt.Sprintf("unknown package %T", p)
	}
}

// Render logs every package until ctx is done or packages is closed.
func Render(ctx context.Context, packages <-chan types.Package) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packages:
			if !ok {
				return nil
			}
			level, line := Format(p)
			switch level {
			case types.AlertDebug:
				logging.Debugf("%s", line)
			case types.AlertWarning:
				logging.Warnf("%s", line)
			case types.AlertError:
				logging.Errorf("%s", line)
			default:
				logging.Logf("%s", line)
			}
		}
	}
}

// Send writes text to the selected room.
func Send(node *peer.Node, text string) error {
	room, ok := node.Registry.SelectedRoom()
	if !ok {
		return ErrNoRoom
	}
	if err := node.SendTo(room, protocol.Data{Payload: []byte(text)}); err != nil {
		return fmt.Errorf("send to %s: %w", room, err)
	}
	return nil
}

// ReadInput sends each non-empty line of r to the selected room until r is
// exhausted or ctx is done.
func ReadInput(ctx context.Context, r io.Reader, node *peer.Node) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := Send(node, line); err != nil {
			node.Alert(types.AlertWarning, "Message not sent - %v", err)
		}
	}
	return scanner.Err()
}
