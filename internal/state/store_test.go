package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
	"github.com/flitsinc/go-sessions/internal/testutil"
)

type recordStore interface {
	SaveTask(ctx context.Context, task tasks.Task) error
	ListTasks(ctx context.Context, sessionID string) ([]tasks.Task, error)
	SaveUpdate(ctx context.Context, update eventbus.Update) error
	ListUpdates(ctx context.Context, sessionID string, q state.UpdateQuery) ([]eventbus.Update, error)
	SaveSteering(ctx context.Context, ev steering.Event) error
	ListSteering(ctx context.Context, sessionID, taskID string) ([]steering.Event, error)
}

func stores(t *testing.T) map[string]recordStore {
	return map[string]recordStore{
		"sqlite": testutil.OpenTestStore(t),
		"memory": state.NewMemoryStore(),
	}
}

func TestStoreTasksRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			task := tasks.Task{
				ID:        "parent",
				SessionID: "s1",
				Status:    tasks.StatusRunning,
				Type:      tasks.TypeBackground,
				Priority:  2,
				TraceID:   "trace",
				Snapshot: agentcontext.Snapshot{
					SessionID: "s1",
					TaskID:    "parent",
					Fields:    agentcontext.Fields{LLMContext: map[string]any{"topic": "go"}},
					SpawnMeta: agentcontext.SpawnMeta{PropagateOnCancel: agentcontext.PropagateIsolate},
				},
				CreatedAt: created,
				UpdatedAt: created,
			}
			require.NoError(t, store.SaveTask(ctx, task))

			child := tasks.Task{ID: "child", SessionID: "s1", ParentID: "parent", Status: tasks.StatusPending,
				Type: tasks.TypeForeground, CreatedAt: created.Add(time.Second), UpdatedAt: created.Add(time.Second)}
			require.NoError(t, store.SaveTask(ctx, child))

			task.Status = tasks.StatusComplete
			task.Result = map[string]any{"answer": "42"}
			task.UpdatedAt = created.Add(2 * time.Second)
			require.NoError(t, store.SaveTask(ctx, task))

			require.NoError(t, store.SaveTask(ctx, tasks.Task{ID: "other", SessionID: "s2", Status: tasks.StatusPending,
				Type: tasks.TypeForeground, CreatedAt: created, UpdatedAt: created}))

			listed, err := store.ListTasks(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, listed, 2)
			require.Equal(t, "parent", listed[0].ID)
			require.Equal(t, tasks.StatusComplete, listed[0].Status)
			require.Equal(t, map[string]any{"answer": "42"}, listed[0].Result)
			require.True(t, listed[0].Snapshot.Isolated())
			require.Equal(t, "go", listed[0].Snapshot.LLMContext["topic"])
			require.Equal(t, "parent", listed[1].ParentID)
		})
	}
}

func TestStoreUpdatesSinceID(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 5; i++ {
				taskID := "a"
				if i%2 == 1 {
					taskID = "b"
				}
				step := i
				u := eventbus.NewUpdate("s1", taskID, "trace", eventbus.UpdateProgress, map[string]any{"i": i})
				u.StepIndex = &step
				require.NoError(t, store.SaveUpdate(ctx, u))
				require.NoError(t, store.SaveUpdate(ctx, u))
				ids = append(ids, u.ID)
			}

			all, err := store.ListUpdates(ctx, "s1", state.UpdateQuery{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			require.Equal(t, ids[0], all[0].ID)
			require.NotNil(t, all[3].StepIndex)
			require.Equal(t, 3, *all[3].StepIndex)

			since, err := store.ListUpdates(ctx, "s1", state.UpdateQuery{SinceID: ids[1]})
			require.NoError(t, err)
			require.Len(t, since, 3)
			require.Equal(t, ids[2], since[0].ID)

			onlyA, err := store.ListUpdates(ctx, "s1", state.UpdateQuery{TaskID: "a", Limit: 2})
			require.NoError(t, err)
			require.Len(t, onlyA, 2)
			for _, u := range onlyA {
				require.Equal(t, "a", u.TaskID)
			}

			none, err := store.ListUpdates(ctx, "s2", state.UpdateQuery{})
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestStoreSteeringAudit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := steering.Event{SessionID: "s1", TaskID: "t1", Type: steering.EventPause, ID: "e1",
				Payload: map[string]any{"reason": "user"}, Source: "api", CreatedAt: time.Now().UTC()}
			require.NoError(t, store.SaveSteering(ctx, ev))

			events, err := store.ListSteering(ctx, "s1", "t1")
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, steering.EventPause, events[0].Type)
			require.Equal(t, "user", events[0].Payload["reason"])
		})
	}
}
