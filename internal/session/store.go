package session

import (
	"context"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

// StateStore is the durable side of a session. Writes are best-effort and
// run off the caller's path; only ListTasks (hydration) and ListUpdates
// (replay) are awaited.
type StateStore interface {
	SaveTask(ctx context.Context, task tasks.Task) error
	SaveUpdate(ctx context.Context, update eventbus.Update) error
	SaveSteering(ctx context.Context, ev steering.Event) error
	ListTasks(ctx context.Context, sessionID string) ([]tasks.Task, error)
	ListUpdates(ctx context.Context, sessionID string, q state.UpdateQuery) ([]eventbus.Update, error)
}

// ControlPolicy decides whether a steering event must be confirmed before
// it takes effect.
type ControlPolicy interface {
	RequiresConfirmation(ev steering.Event) bool
}

// PolicyFunc adapts a function to ControlPolicy.
type PolicyFunc func(ev steering.Event) bool

func (f PolicyFunc) RequiresConfirmation(ev steering.Event) bool {
	return f(ev)
}

// ConfirmTypes requires confirmation for the listed event types.
func ConfirmTypes(types ...steering.EventType) ControlPolicy {
	set := make(map[steering.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return PolicyFunc(func(ev steering.Event) bool {
		_, ok := set[ev.Type]
		return ok
	})
}
