package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

type recordingNeighbor struct {
	mu     sync.Mutex
	frames [][]byte
	done   chan struct{}
}

func newRecordingNeighbor() *recordingNeighbor {
	return &recordingNeighbor{done: make(chan struct{}, 1)}
}

func (n *recordingNeighbor) Send(_ context.Context, frame []byte) error {
	n.mu.Lock()
	n.frames = append(n.frames, frame)
	n.mu.Unlock()
	select {
	case n.done <- struct{}{}:
	default:
	}
	return nil
}

func (n *recordingNeighbor) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.frames)
}

func noopEncode(p wiretypes.RouteLayerPacket) ([]byte, error) { return []byte{byte(p.Seq)}, nil }

func TestForward_TTLZeroDropped(t *testing.T) {
	self := routeid.NewNodeId()
	var delivered bool
	r := NewRouter(self, NewTable(), 0, func(wiretypes.RouteLayerPacket) { delivered = true }, noopEncode)

	r.Forward(wiretypes.RouteLayerPacket{From: routeid.NewNodeId(), To: self, TTL: 0, Seq: 1})
	if delivered {
		t.Fatal("expected ttl==0 packet to be dropped, not delivered")
	}
}

func TestForward_SelfDelivery(t *testing.T) {
	self := routeid.NewNodeId()
	var got wiretypes.RouteLayerPacket
	r := NewRouter(self, NewTable(), 0, func(p wiretypes.RouteLayerPacket) { got = p }, noopEncode)

	in := wiretypes.RouteLayerPacket{From: routeid.NewNodeId(), To: self, TTL: 5, Seq: 1}
	r.Forward(in)

	if got.TTL != 4 {
		t.Fatalf("expected ttl decremented to 4, got %d", got.TTL)
	}
}

func TestForward_DuplicateDropped(t *testing.T) {
	self := routeid.NewNodeId()
	count := 0
	r := NewRouter(self, NewTable(), 0, func(wiretypes.RouteLayerPacket) { count++ }, noopEncode)

	from := routeid.NewNodeId()
	pkt := wiretypes.RouteLayerPacket{From: from, To: self, TTL: 5, Seq: 42}
	r.Forward(pkt)
	r.Forward(pkt)

	if count != 1 {
		t.Fatalf("expected duplicate (from,seq) to be delivered once, got %d", count)
	}
}

func TestForward_UnknownDestinationDropped(t *testing.T) {
	self := routeid.NewNodeId()
	r := NewRouter(self, NewTable(), 0, nil, noopEncode)

	// Should not panic and should not block; nothing registered for "to".
	r.Forward(wiretypes.RouteLayerPacket{From: routeid.NewNodeId(), To: routeid.NewNodeId(), TTL: 5, Seq: 1})
}

func TestForward_NextHop(t *testing.T) {
	self := routeid.NewNodeId()
	dest := routeid.NewNodeId()
	table := NewTable()
	n := newRecordingNeighbor()
	table.Set(dest, n)

	r := NewRouter(self, table, 0, nil, noopEncode)
	r.Forward(wiretypes.RouteLayerPacket{From: routeid.NewNodeId(), To: dest, TTL: 5, Seq: 1})

	select {
	case <-n.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for neighbor send")
	}
	if n.count() != 1 {
		t.Fatalf("expected 1 frame forwarded to neighbor, got %d", n.count())
	}
}

func TestBuild_DefaultTTLAndMonotonicSeq(t *testing.T) {
	self := routeid.NewNodeId()
	r := NewRouter(self, NewTable(), 0, nil, noopEncode)

	p1 := r.Build(routeid.NewNodeId(), wiretypes.KindP2PPacket, nil)
	p2 := r.Build(routeid.NewNodeId(), wiretypes.KindP2PPacket, nil)

	if p1.TTL != wiretypes.DefaultTTL {
		t.Fatalf("expected default ttl %d, got %d", wiretypes.DefaultTTL, p1.TTL)
	}
	if p2.Seq <= p1.Seq {
		t.Fatalf("expected monotonic seq, got %d then %d", p1.Seq, p2.Seq)
	}
}
