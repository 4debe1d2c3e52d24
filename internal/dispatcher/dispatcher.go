// Package dispatcher implements the L2 RouterPacketDispatcher: it
// multiplexes typed packets on top of internal/router, supporting
// one-shot request/response ("send and listen once"), fire-and-forget
// sends, and typed subscription callbacks. See spec.md §4.2.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goop2/internal/codec"
	"github.com/petervdpas/goop2/internal/router"
	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// ErrTimeout is returned by SendAndListenOnce when its deadline elapses
// with no matching response (spec.md §4.2, §7 "Handshake failure"
// family of errors).
var ErrTimeout = errors.New("dispatcher: timeout waiting for response")

// Context is handed to OnReceive handlers; it exposes at least the
// sender's NodeId, matching spec.md §4.2 ("context exposes at least
// the sender NodeId").
type Context interface {
	From() routeid.NodeId
}

type recvContext struct{ from routeid.NodeId }

func (c recvContext) From() routeid.NodeId { return c.from }

// Dispatcher is the L2 typed-packet demultiplexer.
type Dispatcher struct {
	router *router.Router

	// one-shot subscriptions, keyed by a random correlation id
	onceMu sync.Mutex
	once   map[string]*onceSub

	// persistent per-kind handlers, each backed by its own worker
	// goroutine so deliveries from a single sender stay ordered
	// (spec.md §4.2: "handlers for the same type are serialized
	// per-sender to preserve the order in which L1 delivered their
	// enclosing frames"), while different kinds run concurrently.
	handlersMu sync.RWMutex
	handlers   map[wiretypes.PacketKind]*kindWorker
}

type onceSub struct {
	kind      wiretypes.PacketKind
	predicate func(wiretypes.RouteLayerPacket) bool
	result    chan wiretypes.RouteLayerPacket
}

type kindWorker struct {
	mu   sync.Mutex
	subs []func(wiretypes.RouteLayerPacket, Context)
	ch   chan deliverable
}

type deliverable struct {
	pkt wiretypes.RouteLayerPacket
}

func newKindWorker(ctx context.Context) *kindWorker {
	w := &kindWorker{ch: make(chan deliverable, 64)}
	go w.run(ctx)
	return w
}

func (w *kindWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-w.ch:
			if !ok {
				return
			}
			w.mu.Lock()
			subs := append([]func(wiretypes.RouteLayerPacket, Context){}, w.subs...)
			w.mu.Unlock()
			rc := recvContext{from: d.pkt.From}
			for _, fn := range subs {
				fn(d.pkt, rc)
			}
		}
	}
}

func (w *kindWorker) addHandler(fn func(wiretypes.RouteLayerPacket, Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// New builds a Dispatcher wired to router r. The context passed to the
// first OnReceive call for a kind bounds the lifetime of that kind's
// worker goroutine; later calls for the same kind reuse that worker.
func New(r *router.Router) *Dispatcher {
	return &Dispatcher{
		router:   r,
		once:     make(map[string]*onceSub),
		handlers: make(map[wiretypes.PacketKind]*kindWorker),
	}
}

// HandleInbound is the router's upcall target: it routes a
// self-addressed RouteLayerPacket to the matching one-shot waiter(s)
// or, if no waiter claims it, to the persistent per-kind handler.
func (d *Dispatcher) HandleInbound(p wiretypes.RouteLayerPacket) {
	d.onceMu.Lock()
	consumed := false
	for id, sub := range d.once {
		if sub.kind != p.Kind {
			continue
		}
		if sub.predicate != nil && !sub.predicate(p) {
			continue
		}
		delete(d.once, id)
		consumed = true
		select {
		case sub.result <- p:
		default:
		}
	}
	d.onceMu.Unlock()

	if consumed {
		// A one-shot waiter claimed this packet: it is a direct reply
		// to a send_and_listen_once call, not a fresh inbound message,
		// so it is not also handed to the persistent per-kind handler.
		return
	}

	d.handlersMu.RLock()
	w, ok := d.handlers[p.Kind]
	d.handlersMu.RUnlock()
	if ok {
		select {
		case w.ch <- deliverable{pkt: p}:
		default:
			log.Printf("DISPATCHER: handler queue full for kind %s, dropping delivery from %s", p.Kind, p.From)
		}
	}
}

// Send is fire-and-forget: it encodes v, wraps it in a fresh
// RouteLayerPacket, and hands it to the router. It never suspends
// (spec.md §4.2, §5).
func (d *Dispatcher) Send(to routeid.NodeId, kind wiretypes.PacketKind, v any) {
	body, err := codec.Encode(v)
	if err != nil {
		log.Printf("DISPATCHER: encode error sending kind %s to %s: %v", kind, to, err)
		return
	}
	pkt := d.router.Build(to, kind, body)
	d.router.Forward(pkt)
}

// sendRaw sends an already-encoded body (used internally by
// SendAndListenOnce so the caller's request type round-trips as the
// dispatcher's own Send would).
func (d *Dispatcher) sendRaw(to routeid.NodeId, kind wiretypes.PacketKind, body []byte) {
	pkt := d.router.Build(to, kind, body)
	d.router.Forward(pkt)
}

// SendAndListenOnce sends req (of reqKind) to "to" and waits for the
// first inbound packet of respKind from any peer satisfying
// predicate. It completes on match, on ctx cancellation, or fails
// with ErrTimeout if deadline elapses first. The subscription is
// removed on every terminal outcome (spec.md §4.2, §5).
func SendAndListenOnce[Req any, Resp any](
	ctx context.Context,
	d *Dispatcher,
	to routeid.NodeId,
	req Req,
	reqKind, respKind wiretypes.PacketKind,
	predicate func(Resp) bool,
	deadline time.Duration,
) (Resp, error) {
	var zero Resp

	body, err := codec.Encode(req)
	if err != nil {
		return zero, err
	}

	id := uuid.NewString()
	sub := &onceSub{
		kind:   respKind,
		result: make(chan wiretypes.RouteLayerPacket, 1),
		predicate: func(p wiretypes.RouteLayerPacket) bool {
			var resp Resp
			if err := codec.Decode(p.Body, &resp); err != nil {
				return false
			}
			return predicate(resp)
		},
	}

	d.onceMu.Lock()
	d.once[id] = sub
	d.onceMu.Unlock()

	removeSub := func() {
		d.onceMu.Lock()
		delete(d.once, id)
		d.onceMu.Unlock()
	}

	d.sendRaw(to, reqKind, body)

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if deadline > 0 {
		timer = time.NewTimer(deadline)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case p := <-sub.result:
		var resp Resp
		if err := codec.Decode(p.Body, &resp); err != nil {
			removeSub()
			return zero, err
		}
		return resp, nil
	case <-ctx.Done():
		removeSub()
		return zero, ctx.Err()
	case <-timeoutCh:
		removeSub()
		return zero, ErrTimeout
	}
}

// OnReceive registers a persistent handler for inbound packets of the
// given kind. Handlers for distinct kinds run concurrently; handlers
// registered for the same kind run serialized, in L1 arrival order.
func (d *Dispatcher) OnReceive(ctx context.Context, kind wiretypes.PacketKind, handler func(wiretypes.RouteLayerPacket, Context)) {
	d.handlersMu.Lock()
	w, ok := d.handlers[kind]
	if !ok {
		w = newKindWorker(ctx)
		d.handlers[kind] = w
	}
	d.handlersMu.Unlock()
	w.addHandler(handler)
}

// Router exposes the underlying router (used by callers that need
// router.Build/NextSeq directly, e.g. cmd/goop2-relay's nodeSession).
func (d *Dispatcher) Router() *router.Router { return d.router }
