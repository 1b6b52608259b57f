package tasks

import (
	"time"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Type string

const (
	TypeForeground Type = "foreground"
	TypeBackground Type = "background"
)

type Task struct {
	ID          string                `json:"task_id"`
	SessionID   string                `json:"session_id"`
	ParentID    string                `json:"parent_id,omitempty"`
	Status      Status                `json:"status"`
	Type        Type                  `json:"task_type"`
	Priority    int                   `json:"priority"`
	Snapshot    agentcontext.Snapshot `json:"context_snapshot"`
	TraceID     string                `json:"trace_id,omitempty"`
	Result      any                   `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	Description string                `json:"description,omitempty"`
	Progress    map[string]any        `json:"progress,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusPaused || IsTerminalStatus(to)
	case StatusRunning:
		return to == StatusPaused || IsTerminalStatus(to)
	case StatusPaused:
		return to == StatusRunning || IsTerminalStatus(to)
	case StatusComplete, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}
