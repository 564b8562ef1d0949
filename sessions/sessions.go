// Package sessions manages the concurrent agent sessions multiplexed onto
// the call engine.
//
// The one property this package must preserve exactly: admission against the
// session cap is atomic with the count check. Creation inserts the session
// under the same lock that observed "room available", so a burst of
// concurrent handshakes can never overshoot the cap.
package sessions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restgate/restgate"
)

// Session is one bounded-lifetime agent context. Owned exclusively by the
// Manager; callers receive snapshots, never the live struct.
type Session struct {
	ID             string    `json:"sessionId"`
	OpenedAt       time.Time `json:"openedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	ClientID       string    `json:"clientId,omitempty"`
	ToolCalls      int64     `json:"toolCalls"`
	ToolErrors     int64     `json:"toolErrors"`
}

type liveSession struct {
	Session
	timer   *time.Timer
	closing bool
}

// Hooks receive lifecycle events for observability. Any field may be nil.
type Hooks struct {
	Opened  func(s Session)
	Closed  func(s Session, reason string, lifetime time.Duration)
	Evicted func(s Session)
}

// Close reasons passed to Hooks.Closed.
const (
	CloseExplicit = "explicit"
	CloseIdle     = "idle"
	CloseShutdown = "shutdown"
)

// Manager admits, touches, and closes sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*liveSession

	max   int
	ttl   time.Duration
	hooks Hooks
	log   *slog.Logger
	now   func() time.Time

	closed bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager builds a manager with the given session cap and idle TTL.
func NewManager(max int, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		sessions: map[string]*liveSession{},
		max:      max,
		ttl:      ttl,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open reserves a slot and creates a session in one critical section. When
// the cap is reached the handshake fails with SessionLimitReached; nothing
// asynchronous happens before the reservation.
func (m *Manager) Open(clientID string) (Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, restgate.Errorf(restgate.StatusUnknownSession, "session manager is shut down")
	}
	if m.max > 0 && len(m.sessions) >= m.max {
		m.mu.Unlock()
		return Session{}, restgate.Errorf(restgate.StatusSessionLimitReached,
			"session limit reached (%d)", m.max)
	}

	now := m.now()
	ls := &liveSession{Session: Session{
		ID:             uuid.NewString(),
		OpenedAt:       now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.ttl),
		ClientID:       clientID,
	}}
	id := ls.ID
	if m.ttl > 0 {
		ls.timer = time.AfterFunc(m.ttl, func() { m.evict(id) })
	}
	m.sessions[id] = ls
	snap := ls.Session
	m.mu.Unlock()

	m.log.Info("session.open.ok", slog.String("session_id", snap.ID))
	if m.hooks.Opened != nil {
		m.hooks.Opened(snap)
	}
	return snap, nil
}

// Touch extends the idle TTL of an existing session and returns its
// snapshot. Unknown or already-closed ids are rejected, never re-created.
func (m *Manager) Touch(id string) (Session, error) {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	if !ok || ls.closing {
		m.mu.Unlock()
		return Session{}, restgate.Errorf(restgate.StatusUnknownSession, "unknown session %q", id)
	}
	now := m.now()
	ls.LastActivityAt = now
	ls.ExpiresAt = now.Add(m.ttl)
	if ls.timer != nil {
		// Stop before Reset; evict re-checks ExpiresAt, so a timer that
		// already fired cannot kill a freshly touched session.
		ls.timer.Stop()
		ls.timer.Reset(m.ttl)
	}
	snap := ls.Session
	m.mu.Unlock()
	return snap, nil
}

// RecordToolCall bumps the session's call counters.
func (m *Manager) RecordToolCall(id string, failed bool) {
	m.mu.Lock()
	if ls, ok := m.sessions[id]; ok {
		ls.ToolCalls++
		if failed {
			ls.ToolErrors++
		}
	}
	m.mu.Unlock()
}

// Close terminates a session. Idempotent: a second close (or a close racing
// an eviction) is a no-op reporting false.
func (m *Manager) Close(id string) bool {
	return m.closeWith(id, CloseExplicit)
}

func (m *Manager) closeWith(id, reason string) bool {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	if !ok || ls.closing {
		m.mu.Unlock()
		return false
	}
	ls.closing = true
	if ls.timer != nil {
		ls.timer.Stop()
	}
	delete(m.sessions, id)
	snap := ls.Session
	m.mu.Unlock()

	m.log.Info("session.close.ok", slog.String("session_id", id), slog.String("reason", reason))
	if m.hooks.Closed != nil {
		m.hooks.Closed(snap, reason, m.now().Sub(snap.OpenedAt))
	}
	return true
}

// evict runs on TTL expiry. The expiry re-check and the close happen in one
// critical section, so a touch that landed after the timer fired either moved
// ExpiresAt forward before we look (eviction abandoned) or is serialized
// after the delete (touch reports UnknownSession). A touch can never succeed
// and still lose its session to the same timer fire.
func (m *Manager) evict(id string) {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	if !ok || ls.closing || m.now().Before(ls.ExpiresAt) {
		m.mu.Unlock()
		return
	}
	ls.closing = true
	if ls.timer != nil {
		ls.timer.Stop()
	}
	delete(m.sessions, id)
	snap := ls.Session
	m.mu.Unlock()

	m.log.Info("session.evict.idle", slog.String("session_id", id))
	if m.hooks.Closed != nil {
		m.hooks.Closed(snap, CloseIdle, m.now().Sub(snap.OpenedAt))
	}
	if m.hooks.Evicted != nil {
		m.hooks.Evicted(snap)
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns copies of all live sessions.
func (m *Manager) Snapshot() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, ls := range m.sessions {
		out = append(out, ls.Session)
	}
	return out
}

// Shutdown closes every session and refuses further admissions. Timers are
// stopped so nothing fires after return.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeWith(id, CloseShutdown)
	}
}
