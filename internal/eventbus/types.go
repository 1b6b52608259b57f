package eventbus

import (
	"time"

	"github.com/flitsinc/go-sessions/internal/idgen"
)

// UpdateType classifies a progress event.
type UpdateType string

const (
	UpdateThinking     UpdateType = "thinking"
	UpdateProgress     UpdateType = "progress"
	UpdateToolCall     UpdateType = "tool_call"
	UpdateResult       UpdateType = "result"
	UpdateError        UpdateType = "error"
	UpdateCheckpoint   UpdateType = "checkpoint"
	UpdateStatusChange UpdateType = "status_change"
	UpdateNotification UpdateType = "notification"
)

// Valid reports whether t is one of the known update types.
func (t UpdateType) Valid() bool {
	switch t {
	case UpdateThinking, UpdateProgress, UpdateToolCall, UpdateResult,
		UpdateError, UpdateCheckpoint, UpdateStatusChange, UpdateNotification:
		return true
	default:
		return false
	}
}

// Update is an immutable progress event scoped to a session and task.
type Update struct {
	ID         string         `json:"update_id"`
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id"`
	TraceID    string         `json:"trace_id,omitempty"`
	Type       UpdateType     `json:"update_type"`
	Content    map[string]any `json:"content,omitempty"`
	StepIndex  *int           `json:"step_index,omitempty"`
	TotalSteps *int           `json:"total_steps,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewUpdate stamps an update with a sortable id and the current time.
func NewUpdate(sessionID, taskID, traceID string, typ UpdateType, content map[string]any) Update {
	return Update{
		ID:        idgen.Sortable(),
		SessionID: sessionID,
		TaskID:    taskID,
		TraceID:   traceID,
		Type:      typ,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Filter selects updates for a subscription. Empty sets match everything.
type Filter struct {
	TaskIDs []string
	Types   []UpdateType
}
