// Package router implements the L1 routed packet dispatcher: it
// forwards RouteLayerPacket frames between NodeIds across direct or
// multi-hop paths, decrementing TTL and dropping expired or looping
// frames. It performs no retransmission — packet loss here becomes
// visible two layers up, at L3, as missing ACKs.
package router

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// DefaultRecentCap is the minimum recent-ids window size required by
// spec.md §4.1 ("size at least 4096").
const DefaultRecentCap = 4096

// Neighbor abstracts over whatever carries frame bytes to the next
// hop — a libp2p stream in production (internal/netoverlay), an
// in-memory channel in tests.
type Neighbor interface {
	Send(ctx context.Context, frame []byte) error
}

// Table is the concurrent-safe NodeId -> Neighbor routing table.
// Registration/removal are rare relative to lookups, so it's guarded
// by a plain RWMutex (spec.md §5: "read-mostly... reader-writer
// pattern is acceptable").
type Table struct {
	mu        sync.RWMutex
	neighbors map[routeid.NodeId]Neighbor
}

func NewTable() *Table {
	return &Table{neighbors: make(map[routeid.NodeId]Neighbor)}
}

func (t *Table) Set(id routeid.NodeId, n Neighbor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.neighbors[id] = n
}

func (t *Table) Remove(id routeid.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.neighbors, id)
}

func (t *Table) Lookup(id routeid.NodeId) (Neighbor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.neighbors[id]
	return n, ok
}

type seenKey struct {
	from routeid.NodeId
	seq  uint32
}

// Router forwards RouteLayerPacket frames keyed by NodeId.
type Router struct {
	self   routeid.NodeId
	table  *Table
	seen   *lru.Cache[seenKey, struct{}]
	upcall func(wiretypes.RouteLayerPacket)

	seqMu sync.Mutex
	seq   uint32

	defaultTTL atomic.Uint32

	encode func(wiretypes.RouteLayerPacket) ([]byte, error)
}

// NewRouter builds a Router for self, forwarding via table and handing
// packets addressed to self to upcall. recentCap is clamped up to
// DefaultRecentCap if smaller. encode serializes a RouteLayerPacket to
// bytes for handoff to a Neighbor (internal/netoverlay owns the
// concrete wire format); if nil, packets addressed to self are still
// handed to upcall, but Forward drops every packet bound for a
// neighbor.
func NewRouter(self routeid.NodeId, table *Table, recentCap int, upcall func(wiretypes.RouteLayerPacket), encode func(wiretypes.RouteLayerPacket) ([]byte, error)) *Router {
	if recentCap < DefaultRecentCap {
		recentCap = DefaultRecentCap
	}
	cache, err := lru.New[seenKey, struct{}](recentCap)
	if err != nil {
		// lru.New only errors on size <= 0, which can't happen here.
		panic(err)
	}
	r := &Router{
		self:   self,
		table:  table,
		seen:   cache,
		upcall: upcall,
		encode: encode,
	}
	r.defaultTTL.Store(uint32(wiretypes.DefaultTTL))
	return r
}

// SetDefaultTTL changes the TTL stamped on packets this router
// originates via Build, letting a live config reload adjust the hop
// budget without rebuilding the router.
func (r *Router) SetDefaultTTL(ttl uint8) { r.defaultTTL.Store(uint32(ttl)) }

// SetRecentCap resizes the duplicate-suppression window, clamped up to
// DefaultRecentCap like NewRouter's constructor argument.
func (r *Router) SetRecentCap(n int) {
	if n < DefaultRecentCap {
		n = DefaultRecentCap
	}
	r.seen.Resize(n)
}

// Forward applies the four L1 forwarding rules from spec.md §4.1:
//  1. ttl == 0: drop.
//  2. decrement ttl and drop duplicates of (from, seq) seen recently.
//  3. to == self: hand up to L2 via upcall.
//  4. else: look up next hop; drop silently if unknown, else enqueue.
func (r *Router) Forward(p wiretypes.RouteLayerPacket) {
	if p.TTL == 0 {
		log.Printf("ROUTER: dropping packet from %s to %s: ttl expired", p.From, p.To)
		return
	}
	p.TTL--

	key := seenKey{from: p.From, seq: p.Seq}
	if _, dup := r.seen.Get(key); dup {
		log.Printf("ROUTER: dropping duplicate packet (from=%s seq=%d)", p.From, p.Seq)
		return
	}
	r.seen.Add(key, struct{}{})

	if p.To == r.self {
		if r.upcall != nil {
			r.upcall(p)
		}
		return
	}

	neighbor, ok := r.table.Lookup(p.To)
	if !ok {
		log.Printf("ROUTER: dropping packet to %s: no route", p.To)
		return
	}

	if r.encode == nil {
		log.Printf("ROUTER: dropping packet to %s: no encoder configured", p.To)
		return
	}
	frame, err := r.encode(p)
	if err != nil {
		log.Printf("ROUTER: encode error forwarding to %s: %v", p.To, err)
		return
	}
	go func() {
		if err := neighbor.Send(context.Background(), frame); err != nil {
			log.Printf("ROUTER: send to neighbor for %s failed: %v", p.To, err)
		}
	}()
}

// NextSeq returns the next monotonic per-router sequence number, used
// by L2 when originating a fresh RouteLayerPacket.
func (r *Router) NextSeq() uint32 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.seq++
	return r.seq
}

// Self returns this router's own NodeId.
func (r *Router) Self() routeid.NodeId { return r.self }

// Build constructs a fresh RouteLayerPacket addressed to "to", carrying
// kind/body, with a new seq and the default TTL (spec.md §4.2).
func (r *Router) Build(to routeid.NodeId, kind wiretypes.PacketKind, body []byte) wiretypes.RouteLayerPacket {
	return wiretypes.RouteLayerPacket{
		From: r.self,
		To:   to,
		TTL:  uint8(r.defaultTTL.Load()),
		Seq:  r.NextSeq(),
		Kind: kind,
		Body: body,
	}
}

// Table exposes the routing table so callers can register neighbors.
func (r *Router) Table() *Table { return r.table }
