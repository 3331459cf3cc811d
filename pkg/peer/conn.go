package peer

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latency-mesh/pkg/protocol"
)

// ErrConnShutdown is returned by Send after Shutdown.
var ErrConnShutdown = errors.New("connection shut down")

// Conn splits one socket into a read capability, used only by the connection's
// reader goroutine, and a write capability shared by every sender. Shutdown on
// either side closes the socket and ends both.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex // Serialises frames so two messages never interleave

	shutdown  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps raw.
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw:    raw,
		reader: bufio.NewReader(raw),
	}
}

// ReadMessage decodes the next frame. Only one goroutine may read.
func (c *Conn) ReadMessage() (protocol.Message, error) {
	return protocol.ReadMessage(c.reader)
}

// Send writes m as one frame.
func (c *Conn) Send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.shutdown.Load() {
		return ErrConnShutdown
	}
	_, err = c.raw.Write(frame)
	return err
}

// Shutdown closes the socket in both directions. Safe to call more than once.
func (c *Conn) Shutdown() error {
	c.closeOnce.Do(func() {
		c.shutdown.Store(true)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// IsShutdown reports whether Shutdown has been called.
func (c *Conn) IsShutdown() bool {
	return c.shutdown.Load()
}

// SetReadDeadline bounds the next reads, used during the handshake.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr returns the socket's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
