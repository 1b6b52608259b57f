package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Manager keeps one Session per session id, creating and hydrating them on
// first use.
type Manager struct {
	store StateStore
	opts  []Option

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager whose sessions share store and opts.
func NewManager(store StateStore, opts ...Option) *Manager {
	return &Manager{
		store:    store,
		opts:     opts,
		sessions: map[string]*Session{},
	}
}

// Get returns the session for id, creating it and restoring its stored
// tasks if it is not loaded yet. Concurrent first calls share one
// hydration.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if s, ok := m.Lookup(sessionID); ok {
		return s, nil
	}
	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		if s, ok := m.Lookup(sessionID); ok {
			return s, nil
		}
		s, err := New(sessionID, m.store, m.opts...)
		if err != nil {
			return nil, err
		}
		if err := s.hydrate(ctx); err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		m.mu.Lock()
		m.sessions[sessionID] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lookup returns a loaded session without creating one.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Sessions lists the ids of loaded sessions in lexical order.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close closes and forgets one session. Unknown ids are a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.Close(ctx); err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// CloseAll closes every loaded session concurrently.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var g errgroup.Group
	for id, s := range sessions {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				return fmt.Errorf("close session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
