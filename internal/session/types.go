package session

import (
	"context"
	"time"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

// Pipeline is the work a task performs. Returning a Result (or *Result)
// lets the pipeline attach a context patch or notification; any other value
// becomes the task's result payload. Return Cancelled to stop the task
// without failing it.
type Pipeline func(ctx context.Context, rt *Runtime) (any, error)

// Spec describes a task to spawn or run.
type Spec struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID          string
	Pipeline    Pipeline
	Type        tasks.Type
	Priority    int
	Description string
	// ParentID defaults to the task whose pipeline context ctx carries.
	ParentID string
	// Snapshot, when set, is used instead of copying the live context.
	Snapshot *agentcontext.Snapshot
	Spawn    agentcontext.SpawnMeta
	// Timeout overrides Config.MaxTaskRuntime for this task.
	Timeout       time.Duration
	MergeStrategy agentcontext.MergeStrategy
}

// Notification is a user-facing message attached to a task outcome.
type Notification struct {
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is what a task produced.
type Result struct {
	TaskID        string                     `json:"task_id"`
	Status        tasks.Status               `json:"status"`
	Payload       any                        `json:"payload,omitempty"`
	Digest        string                     `json:"digest,omitempty"`
	Artifacts     []map[string]any           `json:"artifacts,omitempty"`
	Sources       []map[string]any           `json:"sources,omitempty"`
	Patch         *agentcontext.Patch        `json:"patch,omitempty"`
	MergeStrategy agentcontext.MergeStrategy `json:"merge_strategy,omitempty"`
	PatchID       string                     `json:"patch_id,omitempty"`
	Notification  *Notification              `json:"notification,omitempty"`
	Error         string                     `json:"error,omitempty"`
	ErrorType     string                     `json:"error_type,omitempty"`
}

func resultFrom(value any) Result {
	switch v := value.(type) {
	case Result:
		return v
	case *Result:
		if v == nil {
			return Result{}
		}
		return *v
	default:
		return Result{Payload: value}
	}
}

// PendingPatch is a human-gated patch awaiting approval.
type PendingPatch struct {
	ID        string                     `json:"patch_id"`
	TaskID    string                     `json:"task_id"`
	Patch     agentcontext.Patch         `json:"patch"`
	Strategy  agentcontext.MergeStrategy `json:"strategy"`
	CreatedAt time.Time                  `json:"created_at"`
}

// SubscribeOptions filters a subscription. A non-empty SinceID replays
// stored updates newer than it before live delivery starts.
type SubscribeOptions struct {
	TaskIDs []string
	Types   []eventbus.UpdateType
	SinceID string
}
