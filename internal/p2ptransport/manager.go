package p2ptransport

import (
	"context"
	"log"
	"sync"

	"github.com/petervdpas/goop2/internal/codec"
	"github.com/petervdpas/goop2/internal/dispatcher"
	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// Manager is the registry of per-peer Connections, indexed by NodeId.
// It exists to break the connection<->dispatcher reference cycle
// described in spec.md §9: the dispatcher's persistent TransDatagram
// handler looks up the target Connection by NodeId through the
// Manager rather than closing over a *Connection directly.
type Manager struct {
	ctx        context.Context
	dispatcher *dispatcher.Dispatcher

	mu    sync.RWMutex
	conns map[routeid.NodeId]*Connection

	deliverMu sync.RWMutex
	onDeliver func(from routeid.NodeId, payload []byte)
}

// NewManager registers the manager's TransDatagram responder handler
// on d and returns the manager. ctx bounds every Connection created
// through it.
func NewManager(ctx context.Context, d *dispatcher.Dispatcher) *Manager {
	m := &Manager{
		ctx:        ctx,
		dispatcher: d,
		conns:      make(map[routeid.NodeId]*Connection),
	}
	d.OnReceive(ctx, wiretypes.KindTransDatagram, m.handleTransDatagram)
	return m
}

// OnDeliver registers the application-level callback invoked for each
// payload-bearing SYN received on any connection, matching spec.md
// §2/§4.3's "dispatch to the application-level dispatcher under a
// sentinel session handle." The sentinel here is simply "this
// manager, regardless of which relay session carried the bytes" —
// L3 delivery is not tied to any specific relay session.
func (m *Manager) OnDeliver(fn func(from routeid.NodeId, payload []byte)) {
	m.deliverMu.Lock()
	m.onDeliver = fn
	m.deliverMu.Unlock()
}

func (m *Manager) deliver(from routeid.NodeId, payload []byte) {
	m.deliverMu.RLock()
	fn := m.onDeliver
	m.deliverMu.RUnlock()
	if fn != nil {
		fn(from, payload)
	}
}

// handleTransDatagram is the dispatcher's single persistent handler
// for all inbound TransDatagrams. It looks up (or, for a FirstHandShake,
// creates) the Connection for the sender and forwards the datagram to
// its actor.
func (m *Manager) handleTransDatagram(p wiretypes.RouteLayerPacket, c dispatcher.Context) {
	var d wiretypes.TransDatagram
	if err := codec.Decode(p.Body, &d); err != nil {
		// Decode failure on inbound datagram: logged, no ACK is
		// possible without knowing the slot, so nothing further to
		// do. (A SYN's payload is never decoded at this layer: the
		// connection actor hands it up as raw bytes and ACKs it.)
		log.Printf("P2P: dropping undecodable TransDatagram from %s: %v", c.From(), err)
		return
	}

	from := c.From()

	conn, ok := m.Get(from)
	if !ok {
		if d.Flag != wiretypes.FirstHandShakeFlag {
			// No connection and not a handshake opener: nothing to
			// deliver to (spec.md doesn't require synthesizing a
			// connection for stray ACKs/SYNs).
			return
		}
		conn = m.getOrCreate(from)
	}
	conn.deliverInbound(d)
}

// getOrCreate returns the existing connection for peer, or creates one.
func (m *Manager) getOrCreate(peer routeid.NodeId) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peer]; ok {
		return c
	}
	c := newConnection(m.ctx, peer, m.dispatcher, m.deliver)
	m.conns[peer] = c
	return c
}

// Get returns the connection for peer, if one exists.
func (m *Manager) Get(peer routeid.NodeId) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[peer]
	return c, ok
}

// Connect creates (if needed) and connects to peer as initiator,
// performing the three-way handshake (spec.md §3.5's lifecycle:
// "created on first need by either an outbound connect() ... or
// receipt of a FirstHandShakeFlag frame").
func (m *Manager) Connect(ctx context.Context, peer routeid.NodeId) (*Connection, error) {
	conn := m.getOrCreate(peer)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect tears down and forgets the connection for peer, if any.
func (m *Manager) Disconnect(peer routeid.NodeId) {
	m.mu.Lock()
	c, ok := m.conns[peer]
	if ok {
		delete(m.conns, peer)
	}
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Connections returns a snapshot of all known peer NodeIds.
func (m *Manager) Connections() []routeid.NodeId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]routeid.NodeId, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}
