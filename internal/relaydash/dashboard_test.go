package relaydash

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/petervdpas/goop2/internal/routeid"
)

func TestHandleHealthz(t *testing.T) {
	d := New(":0", nil)
	srv := httptest.NewServer(http.HandlerFunc(d.handleHealthz))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestWSFeed_ReceivesPublishedEvents(t *testing.T) {
	d := New(":0", nil)
	srv := httptest.NewServer(http.HandlerFunc(d.handleWS))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine a moment to register the client.
	time.Sleep(20 * time.Millisecond)

	id := routeid.NewSessionId()
	d.OnAttach(id)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var evt Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != "attach" || evt.SessionID != id.String() {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestMetrics_CountersIncrement(t *testing.T) {
	m := NewMetrics()
	d := New(":0", m)

	id := routeid.NewSessionId()
	d.OnAttach(id)
	d.OnEvict(id, "timeout")
	d.OnReject(routeid.NewSessionId())

	if got := testutil.ToFloat64(m.AttachTotal); got != 1 {
		t.Fatalf("expected AttachTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvictTotal); got != 1 {
		t.Fatalf("expected EvictTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.RejectTotal); got != 1 {
		t.Fatalf("expected RejectTotal=1, got %v", got)
	}
}
