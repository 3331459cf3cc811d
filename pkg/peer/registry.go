package peer

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/latency-mesh/pkg/protocol"
	"github.com/latency-mesh/pkg/types"
)

var (
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrAlreadyConnected  = errors.New("peer already connected")
	ErrServerAddrSet     = errors.New("server address already set")
	ErrInvalidServerAddr = errors.New("invalid server address")
)

type entry struct {
	conn *Conn
	meta types.StreamMetadata
}

// Registry is the node's shared connection state. One RWMutex guards it; the lock
// itself is never exposed. Read and Write run callbacks under the read or write
// lock with a transaction type that only offers the matching operations.
type Registry struct {
	mu           sync.RWMutex
	serverAddr   netip.AddrPort
	streams      map[types.PeerAddr]*entry
	selectedRoom netip.AddrPort
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[types.PeerAddr]*entry),
	}
}

// ReadTx is the read-only view handed to Read callbacks.
type ReadTx struct {
	r *Registry
}

// Len returns the number of registered peers.
func (tx ReadTx) Len() int {
	return len(tx.r.streams)
}

// Has reports whether addr is registered.
func (tx ReadTx) Has(addr types.PeerAddr) bool {
	_, ok := tx.r.streams[addr]
	return ok
}

// Get returns a copy of addr's metadata.
func (tx ReadTx) Get(addr types.PeerAddr) (types.StreamMetadata, bool) {
	e, ok := tx.r.streams[addr]
	if !ok {
		return types.StreamMetadata{}, false
	}
	return e.meta.Clone(), true
}

// ServerAddr returns this node's advertised listening address, if any.
func (tx ReadTx) ServerAddr() (netip.AddrPort, bool) {
	return tx.r.serverAddr, tx.r.serverAddr.IsValid()
}

// SelectedRoom returns the focused peer, if any.
func (tx ReadTx) SelectedRoom() (types.PeerAddr, bool) {
	return tx.r.selectedRoom, tx.r.selectedRoom.IsValid()
}

// Each calls fn for every peer with a copy of its metadata.
func (tx ReadTx) Each(fn func(addr types.PeerAddr, meta types.StreamMetadata)) {
	for addr, e := range tx.r.streams {
		fn(addr, e.meta.Clone())
	}
}

// Conn returns the connection registered under addr.
func (tx ReadTx) Conn(addr types.PeerAddr) (*Conn, bool) {
	e, ok := tx.r.streams[addr]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// WriteTx is the mutating view handed to Write callbacks.
type WriteTx struct {
	ReadTx
}

// Meta returns addr's live metadata for in-place updates. The pointer must not
// escape the callback.
func (tx WriteTx) Meta(addr types.PeerAddr) (*types.StreamMetadata, bool) {
	e, ok := tx.r.streams[addr]
	if !ok {
		return nil, false
	}
	return &e.meta, true
}

// EachMeta calls fn for every peer with its live metadata.
func (tx WriteTx) EachMeta(fn func(addr types.PeerAddr, meta *types.StreamMetadata)) {
	for addr, e := range tx.r.streams {
		fn(addr, &e.meta)
	}
}

// Insert registers conn under addr.
func (tx WriteTx) Insert(addr types.PeerAddr, conn *Conn, meta types.StreamMetadata) error {
	if _, ok := tx.r.streams[addr]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, addr)
	}
	tx.r.streams[addr] = &entry{conn: conn, meta: meta}
	return nil
}

// Remove shuts down addr's socket and deletes the entry.
func (tx WriteTx) Remove(addr types.PeerAddr) bool {
	return tx.r.removeLocked(addr, nil)
}

// RemoveConn is Remove, but only if addr is still registered with conn.
func (tx WriteTx) RemoveConn(addr types.PeerAddr, conn *Conn) bool {
	return tx.r.removeLocked(addr, conn)
}

// SetSelectedRoom focuses addr; the zero address clears the selection.
func (tx WriteTx) SetSelectedRoom(addr types.PeerAddr) {
	tx.r.selectedRoom = addr
}

// Read runs fn under the read lock.
func (r *Registry) Read(fn func(tx ReadTx)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(ReadTx{r: r})
}

// Write runs fn under the write lock and returns its error.
func (r *Registry) Write(fn func(tx WriteTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(WriteTx{ReadTx{r: r}})
}

// SetServerAddr records this node's listening address. It can only be set once.
func (r *Registry) SetServerAddr(addr netip.AddrPort) error {
	if !addr.IsValid() {
		return ErrInvalidServerAddr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serverAddr.IsValid() {
		return ErrServerAddrSet
	}
	r.serverAddr = addr
	return nil
}

// ServerAddr returns this node's listening address, if any.
func (r *Registry) ServerAddr() (netip.AddrPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serverAddr, r.serverAddr.IsValid()
}

// SelectedRoom returns the focused peer, if any.
func (r *Registry) SelectedRoom() (types.PeerAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedRoom, r.selectedRoom.IsValid()
}

// SetSelectedRoom focuses addr; the zero address clears the selection.
func (r *Registry) SetSelectedRoom(addr types.PeerAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectedRoom = addr
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Has reports whether addr is registered.
func (r *Registry) Has(addr types.PeerAddr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.streams[addr]
	return ok
}

// Metadata returns a copy of addr's metadata.
func (r *Registry) Metadata(addr types.PeerAddr) (types.StreamMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.streams[addr]
	if !ok {
		return types.StreamMetadata{}, false
	}
	return e.meta.Clone(), true
}

// Snapshot copies every peer's metadata (for metrics collection)
func (r *Registry) Snapshot() map[types.PeerAddr]types.StreamMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[types.PeerAddr]types.StreamMetadata, len(r.streams))
	for addr, e := range r.streams {
		result[addr] = e.meta.Clone()
	}
	return result
}

// Addrs lists the registered peers.
func (r *Registry) Addrs() []types.PeerAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]types.PeerAddr, 0, len(r.streams))
	for addr := range r.streams {
		result = append(result, addr)
	}
	return result
}

// Insert registers conn under addr.
func (r *Registry) Insert(addr types.PeerAddr, conn *Conn, meta types.StreamMetadata) error {
	return r.Write(func(tx WriteTx) error {
		return tx.Insert(addr, conn, meta)
	})
}

// Remove shuts down addr's socket and deletes the entry under one write lock.
func (r *Registry) Remove(addr types.PeerAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(addr, nil)
}

// RemoveConn is Remove, but only if addr is still registered with conn.
// A reader that exits late must not tear down a newer connection to the same peer.
func (r *Registry) RemoveConn(addr types.PeerAddr, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(addr, conn)
}

func (r *Registry) removeLocked(addr types.PeerAddr, conn *Conn) bool {
	e, ok := r.streams[addr]
	if !ok || (conn != nil && e.conn != conn) {
		return false
	}
	_ = e.conn.Shutdown()
	delete(r.streams, addr)
	if r.selectedRoom == addr {
		r.selectedRoom = netip.AddrPort{}
	}
	return true
}

// Send writes m to addr. The read lock is held only to find the connection;
// the write itself is serialised per connection.
func (r *Registry) Send(addr types.PeerAddr, m protocol.Message) error {
	r.mu.RLock()
	e, ok := r.streams[addr]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return e.conn.Send(m)
}

// Close shuts down and removes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr := range r.streams {
		r.removeLocked(addr, nil)
	}
}
