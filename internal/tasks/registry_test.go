package tasks

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestRegistryLifecycle(t *testing.T) {
	var changes []Task
	r := NewRegistry("sess", WithClock(fixedClock()), WithOnChange(func(task Task) {
		changes = append(changes, task)
	}))

	task, err := r.Create(Task{ID: "t1", Type: TypeBackground, Priority: 1})
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, "sess", task.SessionID)

	_, err = r.Create(Task{ID: "t1"})
	require.ErrorIs(t, err, ErrTaskExists)

	running, err := r.Transition("t1", StatusRunning, nil)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, running.Status)
	require.True(t, running.UpdatedAt.After(task.UpdatedAt))

	done, err := r.Transition("t1", StatusComplete, func(t *Task) { t.Result = "ok" })
	require.NoError(t, err)
	require.Equal(t, "ok", done.Result)

	_, err = r.Transition("t1", StatusRunning, nil)
	var transitionErr *StatusTransitionError
	require.True(t, errors.As(err, &transitionErr))
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
	require.Equal(t, StatusComplete, transitionErr.From)

	again, err := r.Transition("t1", StatusComplete, func(t *Task) { t.Result = "rewritten" })
	require.NoError(t, err)
	require.Equal(t, "ok", again.Result)

	require.Len(t, changes, 3)
	require.Equal(t, StatusComplete, changes[2].Status)
}

func TestRegistryUnknownTask(t *testing.T) {
	r := NewRegistry("sess")
	_, err := r.Transition("missing", StatusRunning, nil)
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = r.SetPriority("missing", 3)
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, ok := r.Get("missing")
	require.False(t, ok)
}

func TestRegistryPauseResume(t *testing.T) {
	r := NewRegistry("sess")
	_, err := r.Create(Task{ID: "t1"})
	require.NoError(t, err)
	_, err = r.Transition("t1", StatusRunning, nil)
	require.NoError(t, err)
	_, err = r.Transition("t1", StatusPaused, nil)
	require.NoError(t, err)
	_, err = r.Transition("t1", StatusRunning, nil)
	require.NoError(t, err)
	_, err = r.Transition("t1", StatusCancelled, func(t *Task) { t.Error = "stop" })
	require.NoError(t, err)
	task, _ := r.Get("t1")
	require.Equal(t, "stop", task.Error)
}

func TestRegistryChildrenAndFilters(t *testing.T) {
	r := NewRegistry("sess", WithClock(fixedClock()))
	_, _ = r.Create(Task{ID: "p"})
	_, _ = r.Create(Task{ID: "c1", ParentID: "p", Type: TypeBackground})
	_, _ = r.Create(Task{ID: "c2", ParentID: "p", Type: TypeBackground})
	_, _ = r.Create(Task{ID: "g1", ParentID: "c1"})

	require.Equal(t, []string{"c1", "c2"}, r.Children("p"))
	require.Equal(t, []string{"g1"}, r.Children("c1"))
	require.Empty(t, r.Children("g1"))

	_, _ = r.Transition("c2", StatusFailed, nil)
	require.Equal(t, 2, r.Count(ListFilter{Type: TypeBackground}))
	require.Equal(t, 1, r.Count(ListFilter{Type: TypeBackground, NonTerminal: true}))

	listed := r.List(ListFilter{ParentID: "p"})
	require.Len(t, listed, 2)
	require.Equal(t, "c1", listed[0].ID)

	require.Len(t, r.List(ListFilter{Limit: 2}), 2)
}

func TestRegistryRestoreRebuildsChildren(t *testing.T) {
	r := NewRegistry("sess")
	r.Restore([]Task{
		{ID: "p", Status: StatusComplete},
		{ID: "c", ParentID: "p", Status: StatusRunning},
	})
	r.Restore([]Task{{ID: "c", ParentID: "p", Status: StatusFailed}})

	require.Equal(t, []string{"c"}, r.Children("p"))
	task, ok := r.Get("c")
	require.True(t, ok)
	require.Equal(t, StatusFailed, task.Status)
	require.Equal(t, "sess", task.SessionID)
}

func TestRegistryConcurrentMutation(t *testing.T) {
	r := NewRegistry("sess")
	_, _ = r.Create(Task{ID: "t"})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.SetPriority("t", i)
			_ = r.List(ListFilter{})
		}(i)
	}
	wg.Wait()
	_, ok := r.Get("t")
	require.True(t, ok)
}
