package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/tasks"
	"github.com/flitsinc/go-sessions/internal/testutil"
)

func TestManagerReturnsSameSession(t *testing.T) {
	m := NewManager(state.NewMemoryStore())
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })

	var wg sync.WaitGroup
	got := make([]*Session, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Get(context.Background(), "conv")
			if err == nil {
				got[i] = s
			}
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		require.NotNil(t, s)
		require.Same(t, got[0], s)
	}
	require.Equal(t, []string{"conv"}, m.Sessions())

	_, err := m.Get(context.Background(), "  ")
	require.Error(t, err)
}

func TestManagerHydratesFromStore(t *testing.T) {
	store := testutil.OpenTestStore(t)
	created := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveTask(context.Background(), tasks.Task{
		ID: "old-parent", SessionID: "conv", Status: tasks.StatusRunning, Type: tasks.TypeForeground,
		CreatedAt: created, UpdatedAt: created,
	}))
	require.NoError(t, store.SaveTask(context.Background(), tasks.Task{
		ID: "old-child", SessionID: "conv", ParentID: "old-parent", Status: tasks.StatusPaused, Type: tasks.TypeBackground,
		CreatedAt: created.Add(time.Second), UpdatedAt: created.Add(time.Second),
	}))
	require.NoError(t, store.SaveTask(context.Background(), tasks.Task{
		ID: "old-done", SessionID: "conv", Status: tasks.StatusComplete, Type: tasks.TypeForeground,
		Result: "kept", CreatedAt: created.Add(2 * time.Second), UpdatedAt: created.Add(2 * time.Second),
	}))

	m := NewManager(store, WithConfig(Config{MaxBackgroundTasks: 1}))
	s, err := m.Get(context.Background(), "conv")
	require.NoError(t, err)
	require.Len(t, s.ListTasks(tasks.ListFilter{}), 3)

	done, ok := s.Task("old-done")
	require.True(t, ok)
	require.Equal(t, tasks.StatusComplete, done.Status)

	for _, id := range []string{"old-parent", "old-child"} {
		orphan, ok := s.Task(id)
		require.True(t, ok)
		require.Equal(t, tasks.StatusFailed, orphan.Status, id)
		require.Equal(t, "orphaned", orphan.Error, id)
	}
	child, _ := s.Task("old-child")
	require.Equal(t, "old-parent", child.ParentID)
	require.Empty(t, s.ListTasks(tasks.ListFilter{NonTerminal: true}))

	// Orphans no longer hold admission slots.
	id, err := s.SpawnTask(context.Background(), Spec{Type: tasks.TypeBackground, Pipeline: returns(nil)})
	require.NoError(t, err)
	waitForStatus(t, s, id, tasks.StatusComplete)

	require.Eventually(t, func() bool {
		stored, err := store.ListTasks(context.Background(), "conv")
		if err != nil {
			return false
		}
		for _, task := range stored {
			if task.ID == "old-child" {
				return task.Status == tasks.StatusFailed
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, m.Close(context.Background(), "conv"))
	_, ok = m.Lookup("conv")
	require.False(t, ok)
	require.NoError(t, m.Close(context.Background(), "conv"))
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager(nil, WithConfig(Config{MaxConcurrentTasks: 2}))
	var sessions []*Session
	for _, id := range []string{"a", "b", "c"} {
		s, err := m.Get(context.Background(), id)
		require.NoError(t, err)
		_, err = s.SpawnTask(context.Background(), Spec{ID: "work", Pipeline: blockUntilDone})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.CloseAll(ctx))
	require.Empty(t, m.Sessions())
	for _, s := range sessions {
		task, _ := s.Task("work")
		require.Equal(t, tasks.StatusCancelled, task.Status)
	}
}
