package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/goop2/internal/codec"
	"github.com/petervdpas/goop2/internal/router"
	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

type msgA struct{ N int }

// newLoopbackDispatcher wires a Dispatcher to a Router whose upcall
// (self-addressed delivery) feeds straight back into the same
// Dispatcher's inbound handler, as if L1 had delivered the frame
// locally. This lets dispatcher behavior be tested without a real
// neighbor transport.
func newLoopbackDispatcher(t *testing.T, ctx context.Context) (*Dispatcher, routeid.NodeId) {
	t.Helper()
	self := routeid.NewNodeId()
	d := &Dispatcher{
		once:     make(map[string]*onceSub),
		handlers: make(map[wiretypes.PacketKind]*kindWorker),
	}
	r := router.NewRouter(self, router.NewTable(), 0, func(p wiretypes.RouteLayerPacket) { d.HandleInbound(p) }, nil)
	d.router = r
	return d, self
}

func TestOnReceive_DeliversMatchingKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, self := newLoopbackDispatcher(t, ctx)

	received := make(chan msgA, 1)
	d.OnReceive(ctx, wiretypes.KindP2PPacket, func(p wiretypes.RouteLayerPacket, c Context) {
		var m msgA
		_ = codec.Decode(p.Body, &m)
		received <- m
	})

	d.Send(self, wiretypes.KindP2PPacket, msgA{N: 7})

	select {
	case m := <-received:
		if m.N != 7 {
			t.Fatalf("expected N=7, got %d", m.N)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSendAndListenOnce_MatchesPredicate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, self := newLoopbackDispatcher(t, ctx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Send(self, wiretypes.KindPong, msgA{N: 99})
	}()

	resp, err := SendAndListenOnce[msgA, msgA](ctx, d, self, msgA{N: 1}, wiretypes.KindPing, wiretypes.KindPong,
		func(m msgA) bool { return m.N == 99 }, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.N != 99 {
		t.Fatalf("expected N=99, got %d", resp.N)
	}
}

func TestSendAndListenOnce_TimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, self := newLoopbackDispatcher(t, ctx)

	_, err := SendAndListenOnce[msgA, msgA](ctx, d, self, msgA{N: 1}, wiretypes.KindPing, wiretypes.KindPong,
		func(m msgA) bool { return true }, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	d.onceMu.Lock()
	n := len(d.once)
	d.onceMu.Unlock()
	if n != 0 {
		t.Fatalf("expected subscription to be removed after timeout, found %d remaining", n)
	}
}

func TestSendAndListenOnce_CancelRemovesSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, self := newLoopbackDispatcher(t, ctx)

	done := make(chan struct{})
	go func() {
		_, err := SendAndListenOnce[msgA, msgA](ctx, d, self, msgA{N: 1}, wiretypes.KindPing, wiretypes.KindPong,
			func(m msgA) bool { return true }, 0)
		if err == nil {
			t.Error("expected cancellation error")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	d.onceMu.Lock()
	n := len(d.once)
	d.onceMu.Unlock()
	if n != 0 {
		t.Fatalf("expected subscription to be removed after cancel, found %d remaining", n)
	}
}
