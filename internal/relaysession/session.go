// Package relaysession implements the L3′ RelaySessionManager: the
// relay-side bookkeeping that tracks which control sessions are
// currently attached through a relay, evicting ones that stop sending
// heartbeats. See spec.md §4.4.
package relaysession

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// DefaultTimeout is the default heartbeat timeout after which an
// attached session is evicted (spec.md §3.5).
const DefaultTimeout = 10 * time.Second

const watchdogTick = 500 * time.Millisecond

// ErrAlreadyAttached is returned by Attach when the session id is
// already registered.
var ErrAlreadyAttached = errors.New("relaysession: already attached")

// Session is the relay-local handle for an attached connection: enough
// to push a shutdown notice and tear the underlying transport down.
type Session interface {
	ID() routeid.SessionId
	Send(kind wiretypes.PacketKind, payload []byte) error
	Close() error
}

// Entry pairs a Session with its last-seen heartbeat time.
type Entry struct {
	Session         Session
	LastHeartbeatAt time.Time
}

// Manager tracks attached sessions and evicts ones that go silent past
// timeout. It is safe for concurrent use; the watchdog loop iterates a
// snapshot rather than holding a lock across eviction.
type Manager struct {
	sessions sync.Map // routeid.SessionId -> *Entry

	timeout      atomic.Int64 // time.Duration, nanoseconds
	controlPlane routeid.SessionId

	// OnSessionDisconnected fires for every eviction, whether by an
	// explicit Remove or a watchdog timeout. The Manager does not watch
	// for a ShutdownMessage arriving from a session; such a session is
	// evicted only by Remove or by the watchdog.
	OnSessionDisconnected func(routeid.SessionId)
}

// New builds a Manager with the given heartbeat timeout. controlPlane,
// if non-zero, names a session id whose heartbeats are always ignored
// rather than attached or rejected (spec.md §4.4).
func New(timeout time.Duration, controlPlane routeid.SessionId) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{controlPlane: controlPlane}
	m.timeout.Store(int64(timeout))
	return m
}

// SetTimeout changes the heartbeat timeout the watchdog sweep enforces,
// letting a live config reload take effect without restarting the
// relay. Values <= 0 are ignored.
func (m *Manager) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	m.timeout.Store(int64(timeout))
}

// Attach registers s under id. It is idempotent: a second Attach for
// an id already present returns ErrAlreadyAttached and leaves the
// existing entry untouched (spec.md §8.2).
func (m *Manager) Attach(id routeid.SessionId, s Session) (routeid.SessionId, error) {
	entry := &Entry{Session: s, LastHeartbeatAt: time.Now()}
	if _, loaded := m.sessions.LoadOrStore(id, entry); loaded {
		return routeid.SessionId{}, ErrAlreadyAttached
	}
	return id, nil
}

// OnHeartbeat records a heartbeat for id. Heartbeats from the
// control-plane session are ignored outright. A heartbeat for an id
// that was never attached is ignored here too; rejecting such a
// session is Reject's job.
func (m *Manager) OnHeartbeat(id routeid.SessionId) {
	if id == m.controlPlane {
		return
	}

	v, ok := m.sessions.Load(id)
	if !ok {
		return
	}
	// Swap in a fresh Entry rather than writing the shared one, so the
	// watchdog sweep never reads LastHeartbeatAt while it is written.
	// If the entry was removed meanwhile, the swap fails and nothing
	// is re-attached.
	entry := v.(*Entry)
	m.sessions.CompareAndSwap(id, v, &Entry{Session: entry.Session, LastHeartbeatAt: time.Now()})
}

// Reject is called by the relay transport when it receives a
// heartbeat for a session id that is not attached: it sends the
// session a ShutdownMessage and does not attach it. It does not
// unregister anything, so a later heartbeat from the same id reaches
// the caller's heartbeat handler again.
func (m *Manager) Reject(id routeid.SessionId, s Session) {
	if id == m.controlPlane {
		return
	}
	if _, ok := m.sessions.Load(id); ok {
		return
	}
	if err := s.Send(wiretypes.KindShutdown, nil); err != nil {
		log.Printf("RELAYSESSION: shutdown send to unattached session %s failed: %v", id, err)
	}
}

// Remove evicts id, closing its session and firing
// OnSessionDisconnected. It is a no-op if id isn't attached.
func (m *Manager) Remove(id routeid.SessionId) {
	v, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	entry := v.(*Entry)
	if err := entry.Session.Close(); err != nil {
		log.Printf("RELAYSESSION: close for %s failed: %v", id, err)
	}
	if m.OnSessionDisconnected != nil {
		m.OnSessionDisconnected(id)
	}
}

// Get returns the entry for id, if attached.
func (m *Manager) Get(id routeid.SessionId) (*Entry, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Count returns the number of currently attached sessions.
func (m *Manager) Count() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Run is the watchdog loop: every watchdogTick it snapshots attached
// sessions and evicts any whose last heartbeat is older than timeout.
// Generalized from internal/group/manager.go's pingLoop, which scans a
// single connection's pong freshness on the same cadence.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var stale []routeid.SessionId

	m.sessions.Range(func(key, value any) bool {
		id := key.(routeid.SessionId)
		entry := value.(*Entry)
		if now.Sub(entry.LastHeartbeatAt) > time.Duration(m.timeout.Load()) {
			stale = append(stale, id)
		}
		return true
	})

	for _, id := range stale {
		v, ok := m.sessions.Load(id)
		if !ok {
			continue
		}
		entry := v.(*Entry)
		log.Printf("RELAYSESSION: session %s timed out, evicting", id)
		_ = entry.Session.Send(wiretypes.KindShutdown, nil)
		m.Remove(id)
	}
}
