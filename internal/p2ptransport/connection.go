// Package p2ptransport implements the L3 P2PConnection: a per-peer
// reliable ordered stream over internal/dispatcher and
// internal/router. It performs a three-way handshake and a circular
// sliding-window ACK protocol, delivering each payload to an
// application-level callback in the order it arrives (payloads are not
// re-sequenced by slot). See spec.md §4.3 — "the heart of the core."
package p2ptransport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goop2/internal/dispatcher"
	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// Tunable timeouts, matching spec.md §4.3/§5 exactly.
const (
	HandshakeTimeout     = 5 * time.Second
	RetransmitIdleWindow = 5 * time.Second
	RetransmitPoll       = 100 * time.Millisecond
)

var (
	// ErrHandshakeTimeout is returned by Connect when no
	// SecondHandShake arrives within HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("p2ptransport: handshake timeout")

	// ErrWouldBlock is returned by Send when the sliding window is
	// full. spec.md §9 requires the implementation to pick one of
	// back-pressure or explicit failure and be consistent; this
	// module always fails explicitly rather than block the caller,
	// since Send must never suspend (spec.md §5).
	ErrWouldBlock = errors.New("p2ptransport: send window full")

	// ErrClosed is returned by Send/Connect after Close.
	ErrClosed = errors.New("p2ptransport: connection closed")
)

const bufferLength = wiretypes.BufferLength

// connMsg is the single-writer actor's message set: the three inputs
// spec.md §9 calls out, {AppSend(bytes), Inbound(TransDatagram), Tick},
// plus a snapshot request used by Window.
type connMsg struct {
	appSend []byte
	sendErr chan error // non-nil only for appSend messages

	inbound *wiretypes.TransDatagram

	tick bool

	snapshot chan<- WindowSnapshot
}

// WindowSnapshot is a point-in-time view of a Connection's sliding
// window pointers, useful for diagnostics and tests.
type WindowSnapshot struct {
	SendPointer uint16
	AckPointer  uint16
}

// Connection is one peer's reliable ordered stream. All mutable state
// (send_buffer_ack, send_pointer, ack_pointer, the payload-retention
// map, and the recent-inbound-SYN window) is owned exclusively by the
// actor goroutine started in run(); every other method only ever
// sends to actorCh. This satisfies spec.md §5's requirement that the
// three touch points (producer, ACK receiver, retransmitter) be
// serialized per-connection.
type Connection struct {
	peer       routeid.NodeId
	dispatcher *dispatcher.Dispatcher

	isConnected atomic.Bool

	actorCh chan connMsg
	doneCh  chan struct{}

	onDeliver func(from routeid.NodeId, payload []byte)
}

// newConnection builds an unconnected Connection for peer and starts
// its actor goroutine. ctx bounds the actor's and the retransmitter's
// lifetime.
func newConnection(ctx context.Context, peer routeid.NodeId, d *dispatcher.Dispatcher, onDeliver func(routeid.NodeId, []byte)) *Connection {
	c := &Connection{
		peer:       peer,
		dispatcher: d,
		actorCh:    make(chan connMsg, 64),
		doneCh:     make(chan struct{}),
		onDeliver:  onDeliver,
	}
	go c.run(ctx)
	go c.retransmitLoop(ctx)
	return c
}

// IsConnected reports whether the handshake has completed (initiator)
// or a FirstHandShake has been received (responder).
func (c *Connection) IsConnected() bool { return c.isConnected.Load() }

// Peer returns the remote peer's NodeId.
func (c *Connection) Peer() routeid.NodeId { return c.peer }

// Window returns a snapshot of the current send/ack pointers.
func (c *Connection) Window() WindowSnapshot {
	ch := make(chan WindowSnapshot, 1)
	select {
	case <-c.doneCh:
		return WindowSnapshot{}
	case c.actorCh <- connMsg{snapshot: ch}:
	}
	return <-ch
}

// Connect performs the three-way handshake as initiator (spec.md
// §4.3). On timeout or cancellation it returns an error and leaves
// IsConnected false; no state is mutated in that case.
func (c *Connection) Connect(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return ErrClosed
	default:
	}

	hello := wiretypes.TransDatagram{Flag: wiretypes.FirstHandShakeFlag, SynOrAck: 0}

	resp, err := dispatcher.SendAndListenOnce[wiretypes.TransDatagram, wiretypes.TransDatagram](
		ctx, c.dispatcher, c.peer, hello,
		wiretypes.KindTransDatagram, wiretypes.KindTransDatagram,
		func(d wiretypes.TransDatagram) bool {
			return d.Flag == wiretypes.SecondHandShakeFlag && d.SynOrAck == 1
		},
		HandshakeTimeout,
	)
	if err != nil {
		if errors.Is(err, dispatcher.ErrTimeout) {
			return ErrHandshakeTimeout
		}
		return err
	}
	_ = resp

	third := wiretypes.TransDatagram{Flag: wiretypes.ThirdHandShakeFlag, SynOrAck: 2}
	c.dispatcher.Send(c.peer, wiretypes.KindTransDatagram, third)

	c.isConnected.Store(true)
	return nil
}

// Send allocates the next slot, records the payload for retransmission,
// and emits a SYN datagram. It never suspends; a full window fails
// immediately with ErrWouldBlock rather than blocking or silently
// overwriting a pending slot (spec.md §9).
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.doneCh:
		return ErrClosed
	default:
	}

	errCh := make(chan error, 1)
	c.actorCh <- connMsg{appSend: payload, sendErr: errCh}
	return <-errCh
}

// Close stops the connection's actor and retransmitter goroutines.
func (c *Connection) Close() {
	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}
}

// deliverInbound feeds a received TransDatagram to the actor. Called
// by the Manager's dispatcher handler.
func (c *Connection) deliverInbound(d wiretypes.TransDatagram) {
	select {
	case <-c.doneCh:
	case c.actorCh <- connMsg{inbound: &d}:
	}
}

func (c *Connection) respondToHandshake() {
	reply := wiretypes.TransDatagram{Flag: wiretypes.SecondHandShakeFlag, SynOrAck: 1}
	c.dispatcher.Send(c.peer, wiretypes.KindTransDatagram, reply)
	// Responder sets is_connected optimistically on the first SYN —
	// the third handshake packet is informational only (spec.md §9).
	c.isConnected.Store(true)
}

// actorState is the data exclusively owned by run(); never touched
// outside the actor goroutine.
type actorState struct {
	sendBufferAck [bufferLength]bool
	payloads      [bufferLength][]byte
	sendPointer   uint16
	ackPointer    uint16
	lastAckTime   time.Time

	// recent inbound SYN slots, for duplicate-receive suppression
	// (spec.md §9): a retransmitted SYN is still ACKed, but not
	// redelivered to the application dispatcher. Slot numbers are
	// reused cyclically as the window advances, so a sticky per-slot
	// bool would misidentify a genuinely new payload that lands on a
	// previously-used slot after a wrap as a duplicate. Instead each
	// slot remembers the recvSeq at which it was last seen, and a slot
	// only counts as a duplicate while that generation is still within
	// one window's worth of inbound SYNs (spec.md §9's "recent-slot
	// window").
	recentInboundSyn [bufferLength]uint64
	recvSeq          uint64
}

func (c *Connection) run(ctx context.Context) {
	st := &actorState{lastAckTime: time.Now()}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doneCh:
			return
		case msg := <-c.actorCh:
			switch {
			case msg.sendErr != nil:
				msg.sendErr <- c.handleAppSend(st, msg.appSend)
			case msg.inbound != nil:
				c.handleInbound(st, *msg.inbound)
			case msg.tick:
				c.handleTick(st)
			case msg.snapshot != nil:
				msg.snapshot <- WindowSnapshot{SendPointer: st.sendPointer, AckPointer: st.ackPointer}
			}
		}
	}
}

func (c *Connection) handleAppSend(st *actorState, payload []byte) error {
	next := (st.sendPointer + 1) % bufferLength
	if next == st.ackPointer {
		// Window full: (send_pointer + 1) mod N == ack_pointer
		// (spec.md §3.4). Fail explicitly rather than overwrite.
		return ErrWouldBlock
	}

	slot := st.sendPointer
	st.payloads[slot] = payload
	st.sendBufferAck[slot] = false
	st.sendPointer = next

	datagram := wiretypes.TransDatagram{Flag: wiretypes.FlagSYN, SynOrAck: slot, Payload: payload}
	c.dispatcher.Send(c.peer, wiretypes.KindTransDatagram, datagram)
	return nil
}

func (c *Connection) handleInbound(st *actorState, d wiretypes.TransDatagram) {
	switch {
	case d.Flag == wiretypes.FirstHandShakeFlag:
		c.respondToHandshake()

	case d.Flag.Has(wiretypes.FlagSYN):
		c.handleInboundSyn(st, d)

	case d.Flag.Has(wiretypes.FlagACK):
		c.handleInboundAck(st, d)
	}
}

func (c *Connection) handleInboundSyn(st *actorState, d wiretypes.TransDatagram) {
	if len(d.Payload) > 0 {
		st.recvSeq++
		last := st.recentInboundSyn[d.SynOrAck]
		duplicate := last != 0 && st.recvSeq-last < bufferLength
		st.recentInboundSyn[d.SynOrAck] = st.recvSeq
		if !duplicate && c.onDeliver != nil {
			c.onDeliver(c.peer, d.Payload)
		}
	}
	// ACK acknowledges receipt regardless of decode/dispatch outcome,
	// and regardless of duplicate status (spec.md §4.3, §8.1).
	ack := wiretypes.TransDatagram{Flag: wiretypes.FlagACK, SynOrAck: d.SynOrAck}
	c.dispatcher.Send(c.peer, wiretypes.KindTransDatagram, ack)
}

func (c *Connection) handleInboundAck(st *actorState, d wiretypes.TransDatagram) {
	slot := d.SynOrAck
	if !withinPendingWindow(st, slot) {
		// Out-of-window ACK (replay of an already-advanced slot):
		// no-op, idempotent (spec.md §8.1).
		return
	}

	st.sendBufferAck[slot] = true

	if slot == st.ackPointer {
		st.lastAckTime = time.Now()
		for st.sendBufferAck[st.ackPointer] && st.ackPointer != st.sendPointer {
			st.payloads[st.ackPointer] = nil
			st.sendBufferAck[st.ackPointer] = false
			st.ackPointer = (st.ackPointer + 1) % bufferLength
		}
	}
}

// withinPendingWindow reports whether slot lies in the ring segment
// [ack_pointer, send_pointer) currently awaiting ACK.
func withinPendingWindow(st *actorState, slot uint16) bool {
	if st.ackPointer == st.sendPointer {
		return false
	}
	if st.ackPointer < st.sendPointer {
		return slot >= st.ackPointer && slot < st.sendPointer
	}
	// wrapped
	return slot >= st.ackPointer || slot < st.sendPointer
}

func (c *Connection) handleTick(st *actorState) {
	if st.ackPointer == st.sendPointer {
		return
	}
	if time.Since(st.lastAckTime) <= RetransmitIdleWindow {
		return
	}

	slot := st.ackPointer
	for slot != st.sendPointer {
		if !st.sendBufferAck[slot] {
			payload := st.payloads[slot]
			datagram := wiretypes.TransDatagram{Flag: wiretypes.FlagSYN, SynOrAck: slot, Payload: payload}
			c.dispatcher.Send(c.peer, wiretypes.KindTransDatagram, datagram)
		}
		slot = (slot + 1) % bufferLength
	}
	st.lastAckTime = time.Now()
}

func (c *Connection) retransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(RetransmitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doneCh:
			return
		case <-ticker.C:
			select {
			case c.actorCh <- connMsg{tick: true}:
			case <-ctx.Done():
			case <-c.doneCh:
			}
		}
	}
}
