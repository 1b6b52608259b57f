package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

const waitTimeout = 2 * time.Second

func newTestSession(t *testing.T, cfg Config, opts ...Option) (*Session, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	s, err := New("sess-1", store, append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, store
}

func subscribeAll(t *testing.T, s *Session) <-chan eventbus.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := s.Subscribe(ctx, SubscribeOptions{})
	require.NoError(t, err)
	return ch
}

// collectUntil reads updates until one satisfies done.
func collectUntil(t *testing.T, ch <-chan eventbus.Update, done func(eventbus.Update) bool) []eventbus.Update {
	t.Helper()
	var got []eventbus.Update
	timeout := time.After(waitTimeout)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("update stream closed after %d updates", len(got))
			}
			got = append(got, u)
			if done(u) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out after %d updates", len(got))
		}
	}
}

func isStatus(taskID string, status tasks.Status) func(eventbus.Update) bool {
	return func(u eventbus.Update) bool {
		return u.TaskID == taskID && u.Type == eventbus.UpdateStatusChange && u.Content["status"] == string(status)
	}
}

func isType(taskID string, typ eventbus.UpdateType) func(eventbus.Update) bool {
	return func(u eventbus.Update) bool {
		return u.TaskID == taskID && u.Type == typ
	}
}

func waitForStatus(t *testing.T, s *Session, taskID string, status tasks.Status) tasks.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		task, ok := s.Task(taskID)
		return ok && task.Status == status
	}, waitTimeout, 5*time.Millisecond, "task %s never reached %s", taskID, status)
	task, _ := s.Task(taskID)
	return task
}

func blockUntilDone(ctx context.Context, _ *Runtime) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func returns(value any) Pipeline {
	return func(context.Context, *Runtime) (any, error) {
		return value, nil
	}
}
