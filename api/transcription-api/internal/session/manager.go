package internal_session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

// DefaultSessionMax caps concurrent connections when no limit is configured.
const DefaultSessionMax = 128

// Manager owns the session registry and fans incoming WebSocket connections
// into sessions. The registry is the only cross-session mutable state; it is
// touched only on start and close.
type Manager struct {
	logger     commons.Logger
	deps       Dependencies
	limits     Limits
	sessionMax int
	clock      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	conns    map[*Session]struct{}
	wg       sync.WaitGroup
}

// ManagerOption customizes a Manager; tests shrink the limits.
type ManagerOption func(*Manager)

func WithLimits(limits Limits) ManagerOption {
	return func(m *Manager) { m.limits = limits }
}

func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager builds the manager. sessionMax <= 0 falls back to the default.
func NewManager(deps Dependencies, sessionMax int, opts ...ManagerOption) *Manager {
	if sessionMax <= 0 {
		sessionMax = DefaultSessionMax
	}
	m := &Manager{
		logger:     deps.Logger,
		deps:       deps,
		limits:     defaultLimits(),
		sessionMax: sessionMax,
		clock:      time.Now,
		sessions:   make(map[string]*Session),
		conns:      make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleConnection runs one connection to completion. Connections beyond the
// session cap are refused with close code 1013.
func (m *Manager) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	if len(m.conns) >= m.sessionMax {
		m.mu.Unlock()
		m.logger.Warnw("refusing connection, session limit reached",
			"session_max", m.sessionMax)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session limit reached"),
			deadline)
		_ = conn.Close()
		return
	}
	s := newSession(m.deps, m.limits, conn, m, m.clock)
	m.conns[s] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, s)
		m.mu.Unlock()
		m.wg.Done()
	}()
	s.run(ctx)
}

// ActiveSessions counts registered (started) sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Connections counts live connections including ones still in Idle.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown stops every live session gracefully and waits for them within the
// context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.conns))
	for s := range m.conns {
		live = append(live, s)
	}
	m.mu.Unlock()

	m.logger.Infow("shutting down sessions", "count", len(live))
	for _, s := range live {
		s.shutdown()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) register(id string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.sessions[id]; dup {
		return internal_type.NewFailure(internal_type.CodeBadRequest,
			"session id %q is already in use", id)
	}
	m.sessions[id] = s
	return nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
