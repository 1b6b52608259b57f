package session

import (
	"context"
	"fmt"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

// Runtime is the handle a pipeline uses to talk back to its session.
type Runtime struct {
	session  *Session
	taskID   string
	traceID  string
	inbox    *steering.Inbox
	snapshot agentcontext.Snapshot
}

// TaskID is the id of the task this runtime belongs to.
func (rt *Runtime) TaskID() string {
	return rt.taskID
}

// Task returns the current task record.
func (rt *Runtime) Task() tasks.Task {
	task, _ := rt.session.registry.Get(rt.taskID)
	return task
}

// Inbox holds the steering events delivered to this task.
func (rt *Runtime) Inbox() *steering.Inbox {
	return rt.inbox
}

// Snapshot is the context copy taken when the task was spawned.
func (rt *Runtime) Snapshot() agentcontext.Snapshot {
	return rt.snapshot
}

// UpdateOption adjusts an update before EmitUpdate publishes it.
type UpdateOption func(*eventbus.Update)

// WithStep marks an update as step index of total.
func WithStep(index, total int) UpdateOption {
	return func(u *eventbus.Update) {
		u.StepIndex = &index
		u.TotalSteps = &total
	}
}

// EmitUpdate publishes a progress event for this task.
func (rt *Runtime) EmitUpdate(ctx context.Context, typ eventbus.UpdateType, content map[string]any, opts ...UpdateOption) (eventbus.Update, error) {
	if !typ.Valid() {
		return eventbus.Update{}, fmt.Errorf("emit update: unknown update type %q", typ)
	}
	if err := ctx.Err(); err != nil {
		return eventbus.Update{}, err
	}
	u := eventbus.NewUpdate(rt.session.id, rt.taskID, rt.traceID, typ, content)
	for _, opt := range opts {
		if opt != nil {
			opt(&u)
		}
	}
	return rt.session.publish(u), nil
}

// Notify publishes a NOTIFICATION for this task.
func (rt *Runtime) Notify(ctx context.Context, message string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rt.session.notify(rt.taskID, rt.traceID, "task_message", message, payload)
	return nil
}

// NextSteering waits for the next steering event delivered to this task.
func (rt *Runtime) NextSteering(ctx context.Context) (steering.Event, error) {
	ev, ok, err := rt.inbox.Next(ctx)
	if err != nil {
		return steering.Event{}, err
	}
	if !ok {
		return steering.Event{}, fmt.Errorf("steering inbox closed")
	}
	return ev, nil
}

// SetProgress records structured progress on the task and publishes it.
func (rt *Runtime) SetProgress(ctx context.Context, progress map[string]any) error {
	if _, err := rt.session.registry.SetProgress(rt.taskID, progress); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	_, err := rt.EmitUpdate(ctx, eventbus.UpdateProgress, progress)
	return err
}

// Pause moves the task to PAUSED while the pipeline waits for approval.
func (rt *Runtime) Pause(ctx context.Context, reason string) error {
	return rt.setStatus(tasks.StatusPaused, reason)
}

// Resume moves a paused task back to RUNNING.
func (rt *Runtime) Resume(ctx context.Context, reason string) error {
	return rt.setStatus(tasks.StatusRunning, reason)
}

func (rt *Runtime) setStatus(status tasks.Status, reason string) error {
	current, ok := rt.session.registry.Get(rt.taskID)
	if !ok {
		return fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, rt.taskID)
	}
	if current.Status == status {
		return nil
	}
	task, err := rt.session.registry.Transition(rt.taskID, status, nil)
	if err != nil {
		return err
	}
	rt.session.publishStatus(task, reason, nil)
	return nil
}

// Spawn starts a child task whose parent is this task.
func (rt *Runtime) Spawn(ctx context.Context, spec Spec) (string, error) {
	if spec.ParentID == "" {
		spec.ParentID = rt.taskID
	}
	return rt.session.SpawnTask(ctx, spec)
}
