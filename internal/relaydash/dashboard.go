// Package relaydash is a minimal HTTP dashboard for operators running
// an internal/netoverlay relay host: health, prometheus metrics, and a
// websocket feed of internal/relaysession attach/evict/reject events.
// The client-fanout pattern (clients map[chan []byte]struct{}) mirrors
// a Server-Sent-Events broadcast pattern common in this codebase's
// lineage, reused here over a websocket since gorilla/websocket is
// already part of the dependency graph.
package relaydash

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/goop2/internal/routeid"
)

const (
	maxWSClients   = 256
	wsWriteTimeout = 5 * time.Second
)

// Event is a JSON-serializable relaysession lifecycle notification.
type Event struct {
	Type      string    `json:"type"` // "attach", "evict", "reject"
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Reason    string    `json:"reason,omitempty"`
}

// Metrics holds the prometheus collectors this package exposes.
// Registered on an isolated registry so relaydash metrics never
// collide with a process-wide default registry.
type Metrics struct {
	Registry *prometheus.Registry

	AttachedSessions prometheus.Gauge
	AttachTotal      prometheus.Counter
	EvictTotal       prometheus.Counter
	RejectTotal      prometheus.Counter
}

// NewMetrics builds and registers the dashboard's prometheus collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		AttachedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goop2_relay_attached_sessions",
			Help: "Number of sessions currently attached to this relay.",
		}),
		AttachTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goop2_relay_attach_total",
			Help: "Total number of successful session attaches.",
		}),
		EvictTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goop2_relay_evict_total",
			Help: "Total number of sessions evicted by the watchdog or explicit removal.",
		}),
		RejectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goop2_relay_reject_total",
			Help: "Total number of heartbeats rejected for unattached sessions.",
		}),
	}
	reg.MustRegister(m.AttachedSessions, m.AttachTotal, m.EvictTotal, m.RejectTotal)
	return m
}

// Dashboard serves /healthz, /metrics, and /ws.
type Dashboard struct {
	addr    string
	metrics *Metrics
	srv     *http.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// New builds a Dashboard listening on addr. metrics may be nil, in
// which case NewMetrics() is used.
func New(addr string, metrics *Metrics) *Dashboard {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Dashboard{
		addr:    addr,
		metrics: metrics,
		clients: make(map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Metrics returns the dashboard's prometheus collectors, for wiring
// into a relaysession.Manager's event callbacks.
func (d *Dashboard) Metrics() *Metrics { return d.metrics }

// Publish broadcasts an event to every connected websocket client,
// dropping it for any client whose send buffer is full rather than
// blocking the caller.
func (d *Dashboard) Publish(evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Printf("RELAYDASH: marshal event: %v", err)
		return
	}

	d.mu.Lock()
	clients := make([]chan []byte, 0, len(d.clients))
	for ch := range d.clients {
		clients = append(clients, ch)
	}
	d.mu.Unlock()

	for _, ch := range clients {
		select {
		case ch <- b:
		default:
			log.Printf("RELAYDASH: ws client buffer full, dropping event")
		}
	}
}

// OnAttach, OnEvict, and OnReject are convenience hooks a caller can
// wire directly to a relaysession.Manager to keep both the prometheus
// counters and the websocket feed current without re-scanning state.
func (d *Dashboard) OnAttach(id routeid.SessionId) {
	d.metrics.AttachTotal.Inc()
	d.metrics.AttachedSessions.Inc()
	d.Publish(Event{Type: "attach", SessionID: id.String(), Time: time.Now()})
}

func (d *Dashboard) OnEvict(id routeid.SessionId, reason string) {
	d.metrics.EvictTotal.Inc()
	d.metrics.AttachedSessions.Dec()
	d.Publish(Event{Type: "evict", SessionID: id.String(), Time: time.Now(), Reason: reason})
}

func (d *Dashboard) OnReject(id routeid.SessionId) {
	d.metrics.RejectTotal.Inc()
	d.Publish(Event{Type: "reject", SessionID: id.String(), Time: time.Now()})
}

func (d *Dashboard) addClient(ch chan []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) >= maxWSClients {
		return fmt.Errorf("too many websocket connections (%d)", maxWSClients)
	}
	d.clients[ch] = struct{}{}
	return nil
}

func (d *Dashboard) removeClient(ch chan []byte) {
	d.mu.Lock()
	delete(d.clients, ch)
	d.mu.Unlock()
	close(ch)
}

func (d *Dashboard) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAYDASH: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 64)
	if err := d.addClient(ch); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}
	defer d.removeClient(ch)

	// Drain and discard client reads; this is a server-push-only feed,
	// but we still need to notice a closed connection.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case b, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func (d *Dashboard) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// Start builds the mux and serves on it, blocking until ctx is
// cancelled (then returning nil) or the listener fails.
func (d *Dashboard) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", d.handleWS)

	d.srv = &http.Server{
		Addr:         d.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.srv.Shutdown(shutdownCtx)
	}()

	log.Printf("RELAYDASH: listening on %s", d.addr)
	if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
