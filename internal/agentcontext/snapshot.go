package agentcontext

import (
	"fmt"

	"github.com/mitchellh/copystructure"
)

// Propagation controls whether a parent's cancellation reaches a task.
type Propagation string

const (
	PropagateCascade Propagation = "cascade"
	PropagateIsolate Propagation = "isolate"
)

// SpawnMeta describes why and from where a task was spawned.
type SpawnMeta struct {
	SpawnedFromTaskID  string      `json:"spawned_from_task_id,omitempty"`
	SpawnedFromEventID string      `json:"spawned_from_event_id,omitempty"`
	SpawnReason        string      `json:"spawn_reason,omitempty"`
	Query              string      `json:"query,omitempty"`
	PropagateOnCancel  Propagation `json:"propagate_on_cancel,omitempty"`
	NotifyOnComplete   bool        `json:"notify_on_complete,omitempty"`
}

// Snapshot is a task's private copy of session context taken at spawn.
type Snapshot struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	TraceID   string `json:"trace_id,omitempty"`
	Fields
	SpawnMeta
	ContextVersion int    `json:"context_version"`
	ContextHash    string `json:"context_hash,omitempty"`
}

// Isolated reports whether cascade cancellation must stop at this task.
func (s Snapshot) Isolated() bool {
	return s.PropagateOnCancel == PropagateIsolate
}

// NewSnapshot copies view into a snapshot. Background tasks get a deep copy
// so concurrent session mutation never reaches them; foreground tasks share
// nested values with the live context.
func NewSnapshot(view View, meta SpawnMeta, deep bool) (Snapshot, error) {
	if meta.PropagateOnCancel == "" {
		meta.PropagateOnCancel = PropagateCascade
	}
	fields := view.Fields
	if deep {
		copied, err := copystructure.Copy(view.Fields)
		if err != nil {
			return Snapshot{}, fmt.Errorf("copy session context: %w", err)
		}
		fields = copied.(Fields)
	}
	return Snapshot{
		Fields:         normalize(fields),
		SpawnMeta:      meta,
		ContextVersion: view.Version,
		ContextHash:    view.Hash,
	}, nil
}
