package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/metrics"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/status"
	"go.uber.org/zap"
)

type deps struct {
	source  Source
	creds   session.Provider
	applier Applier
	bus     *bus.Bus
	metrics *metrics.Collectors
	logger  *zap.Logger
}

// Manager owns at most one Session per subscription key.
type Manager struct {
	deps deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a stream manager. bus and metrics may be nil.
func NewManager(source Source, creds session.Provider, applier Applier, b *bus.Bus, m *metrics.Collectors, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		deps: deps{
			source:  source,
			creds:   creds,
			applier: applier,
			bus:     b,
			metrics: m,
			logger:  logger,
		},
		sessions: make(map[string]*Session),
	}
}

// Open returns the live session for (kind, params), opening one if none
// exists. A session whose first connect fails is discarded.
func (m *Manager) Open(ctx context.Context, kind Kind, params Params) (*Session, error) {
	if kind == Messages && params.ChatID == "" {
		return nil, errors.New("stream: messages stream requires a chat id")
	}
	key := Key(kind, params)

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok && !s.Closed() {
		m.mu.Unlock()
		return s, nil
	}
	s := newSession(kind, params, m.deps)
	m.sessions[key] = s
	m.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		m.remove(key, s)
		_ = s.Close()
		return nil, err
	}
	m.deps.metrics.SessionOpened()
	return s, nil
}

// Get returns the session registered under key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Close closes and forgets the session for (kind, params). Closing a
// stream that is not open is not an error.
func (m *Manager) Close(kind Kind, params Params) error {
	key := Key(kind, params)
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.deps.metrics.SessionClosed()
	return s.Close()
}

// Reconnect reopens the session registered under key if it is
// disconnected.
func (m *Manager) Reconnect(ctx context.Context, key string) error {
	s, ok := m.Get(key)
	if !ok {
		return fmt.Errorf("stream %q: %w", key, ErrClosed)
	}
	return s.Reconnect(ctx)
}

// CloseAll closes every session. Used on logout and shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.deps.metrics.SessionClosed()
		_ = s.Close()
	}
}

// Info describes one registered session.
type Info struct {
	Key   string
	State status.State
}

// Sessions lists the registered sessions ordered by key.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for key, s := range m.sessions {
		out = append(out, Info{Key: key, State: s.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) remove(key string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
}
