package p2ptransport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/goop2/internal/dispatcher"
	"github.com/petervdpas/goop2/internal/router"
	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// wireEncode/wireDecode stand in for internal/netoverlay's concrete
// framing, just enough to round-trip a RouteLayerPacket between two
// in-process routers.
func wireEncode(p wiretypes.RouteLayerPacket) ([]byte, error) { return json.Marshal(p) }

func wireDecode(b []byte) (wiretypes.RouteLayerPacket, error) {
	var p wiretypes.RouteLayerPacket
	err := json.Unmarshal(b, &p)
	return p, err
}

// linkNeighbor simulates an unreliable L1 link to another in-process
// router: Send decodes the frame and calls the peer router's Forward,
// except when drop reports the packet should be lost.
type linkNeighbor struct {
	peer *router.Router
	drop func(wiretypes.RouteLayerPacket) bool
}

func (n *linkNeighbor) Send(_ context.Context, frame []byte) error {
	p, err := wireDecode(frame)
	if err != nil {
		return err
	}
	if n.drop != nil && n.drop(p) {
		return nil
	}
	n.peer.Forward(p)
	return nil
}

type testPeer struct {
	id      routeid.NodeId
	table   *router.Table
	router  *router.Router
	disp    *dispatcher.Dispatcher
	manager *Manager

	delivered   [][]byte
	deliveredMu sync.Mutex
}

func newTestPeer(ctx context.Context, id routeid.NodeId) *testPeer {
	p := &testPeer{id: id, table: router.NewTable()}
	// disp is filled in right after construction; the upcall closure
	// only fires once frames start flowing, by which point it's set.
	var disp *dispatcher.Dispatcher
	p.router = router.NewRouter(id, p.table, 0, func(pkt wiretypes.RouteLayerPacket) { disp.HandleInbound(pkt) }, wireEncode)
	disp = dispatcher.New(p.router)
	p.disp = disp
	p.manager = NewManager(ctx, p.disp)
	p.manager.OnDeliver(func(from routeid.NodeId, payload []byte) {
		p.deliveredMu.Lock()
		p.delivered = append(p.delivered, payload)
		p.deliveredMu.Unlock()
	})
	return p
}

func (p *testPeer) deliveredCount() int {
	p.deliveredMu.Lock()
	defer p.deliveredMu.Unlock()
	return len(p.delivered)
}

func linkPeers(a, b *testPeer, aToBDrop, bToADrop func(wiretypes.RouteLayerPacket) bool) {
	a.table.Set(b.id, &linkNeighbor{peer: b.router, drop: aToBDrop})
	b.table.Set(a.id, &linkNeighbor{peer: a.router, drop: bToADrop})
}

func TestHandshake_HappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestPeer(ctx, routeid.NewNodeId())
	b := newTestPeer(ctx, routeid.NewNodeId())
	linkPeers(a, b, nil, nil)

	connA, err := a.manager.Connect(ctx, b.id)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !connA.IsConnected() {
		t.Fatal("expected initiator connected")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if connB, ok := b.manager.Get(a.id); ok && connB.IsConnected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("responder never reached connected state")
}

func TestHandshake_Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestPeer(ctx, routeid.NewNodeId())
	b := newTestPeer(ctx, routeid.NewNodeId())
	// Black hole: every frame in both directions is dropped.
	linkPeers(a, b, func(wiretypes.RouteLayerPacket) bool { return true }, func(wiretypes.RouteLayerPacket) bool { return true })

	start := time.Now()
	_, err := a.manager.Connect(ctx, b.id)
	elapsed := time.Since(start)

	if err != ErrHandshakeTimeout {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if elapsed < HandshakeTimeout {
		t.Fatalf("expected to wait at least %v, only waited %v", HandshakeTimeout, elapsed)
	}
	connA, ok := a.manager.Get(b.id)
	if ok && connA.IsConnected() {
		t.Fatal("expected initiator to remain disconnected after handshake timeout")
	}
}

func TestReliableDelivery_UnderLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestPeer(ctx, routeid.NewNodeId())
	b := newTestPeer(ctx, routeid.NewNodeId())

	// Drop every even-slotted SYN frame on its first attempt only;
	// retransmissions (tracked by attempt count per slot) go through.
	var attempts sync.Map // slot -> *int32
	dropEvenFirstAttempt := func(p wiretypes.RouteLayerPacket) bool {
		if p.Kind != wiretypes.KindTransDatagram {
			return false
		}
		var d wiretypes.TransDatagram
		if err := json.Unmarshal(p.Body, &d); err != nil {
			return false
		}
		if !d.Flag.Has(wiretypes.FlagSYN) || len(d.Payload) == 0 {
			return false
		}
		if d.SynOrAck%2 != 0 {
			return false
		}
		v, _ := attempts.LoadOrStore(d.SynOrAck, new(int32))
		n := atomic.AddInt32(v.(*int32), 1)
		return n == 1
	}
	linkPeers(a, b, dropEvenFirstAttempt, nil)

	connA, err := a.manager.Connect(ctx, b.id)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if err := connA.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	deadline := time.Now().Add(HandshakeTimeout + RetransmitIdleWindow + 3*time.Second)
	for time.Now().Before(deadline) {
		if b.deliveredCount() >= n {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := b.deliveredCount(); got != n {
		t.Fatalf("expected %d payloads delivered, got %d", n, got)
	}

	seen := map[byte]bool{}
	b.deliveredMu.Lock()
	for _, payload := range b.delivered {
		seen[payload[0]] = true
	}
	b.deliveredMu.Unlock()
	for i := 0; i < n; i++ {
		if !seen[byte(i)] {
			t.Fatalf("payload %d never delivered", i)
		}
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := connA.Window()
		if w.AckPointer == w.SendPointer {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("sender's ack_pointer never caught up to send_pointer")
}

func TestWindowWrap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestPeer(ctx, routeid.NewNodeId())
	b := newTestPeer(ctx, routeid.NewNodeId())
	linkPeers(a, b, nil, nil)

	connA, err := a.manager.Connect(ctx, b.id)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	const n = wiretypes.BufferLength + 50
	sent := 0
	deadline := time.Now().Add(10 * time.Second)
	for sent < n && time.Now().Before(deadline) {
		if err := connA.Send([]byte{byte(sent)}); err != nil {
			// Window momentarily full; let ACKs drain and retry.
			time.Sleep(2 * time.Millisecond)
			continue
		}
		sent++
	}
	if sent != n {
		t.Fatalf("only managed to send %d/%d payloads", sent, n)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.deliveredCount() >= n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := b.deliveredCount(); got != n {
		t.Fatalf("expected %d payloads delivered, got %d", n, got)
	}

	w := connA.Window()
	if w.SendPointer != w.AckPointer {
		t.Fatalf("expected send_pointer == ack_pointer after full drain, got send=%d ack=%d", w.SendPointer, w.AckPointer)
	}
	if int(w.SendPointer) >= wiretypes.BufferLength {
		t.Fatalf("send_pointer escaped [0, %d): %d", wiretypes.BufferLength, w.SendPointer)
	}
}
