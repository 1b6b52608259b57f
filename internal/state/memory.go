package state

import (
	"context"
	"sort"
	"sync"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

// MemoryStore keeps records in process memory. It satisfies the same
// contract as Store and is meant for tests and ephemeral sessions.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]map[string]tasks.Task
	updates  map[string][]eventbus.Update
	steering map[string][]steering.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    map[string]map[string]tasks.Task{},
		updates:  map[string][]eventbus.Update{},
		steering: map[string][]steering.Event{},
	}
}

func (m *MemoryStore) SaveTask(_ context.Context, task tasks.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySession, ok := m.tasks[task.SessionID]
	if !ok {
		bySession = map[string]tasks.Task{}
		m.tasks[task.SessionID] = bySession
	}
	bySession[task.ID] = task
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, sessionID string) ([]tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tasks.Task, 0, len(m.tasks[sessionID]))
	for _, task := range m.tasks[sessionID] {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SaveUpdate(_ context.Context, update eventbus.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.updates[update.SessionID] {
		if existing.ID == update.ID {
			return nil
		}
	}
	m.updates[update.SessionID] = append(m.updates[update.SessionID], update)
	return nil
}

func (m *MemoryStore) ListUpdates(_ context.Context, sessionID string, q UpdateQuery) ([]eventbus.Update, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultUpdateLimit
	}
	m.mu.Lock()
	all := append([]eventbus.Update(nil), m.updates[sessionID]...)
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	var out []eventbus.Update
	for _, update := range all {
		if q.TaskID != "" && update.TaskID != q.TaskID {
			continue
		}
		if q.SinceID != "" && update.ID <= q.SinceID {
			continue
		}
		out = append(out, update)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveSteering(_ context.Context, ev steering.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steering[ev.SessionID] = append(m.steering[ev.SessionID], ev)
	return nil
}

func (m *MemoryStore) ListSteering(_ context.Context, sessionID, taskID string) ([]steering.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []steering.Event
	for _, ev := range m.steering[sessionID] {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}
