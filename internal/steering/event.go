package steering

import "time"

// EventType is the kind of control signal carried by an Event.
type EventType string

const (
	EventPause      EventType = "pause"
	EventResume     EventType = "resume"
	EventCancel     EventType = "cancel"
	EventPrioritize EventType = "prioritize"
	EventApprove    EventType = "approve"
	EventReject     EventType = "reject"
)

func (t EventType) Valid() bool {
	switch t {
	case EventPause, EventResume, EventCancel, EventPrioritize, EventApprove, EventReject:
		return true
	default:
		return false
	}
}

// BroadcastTaskID addresses every live task in a session.
const BroadcastTaskID = "*"

// SourceSystem marks events synthesized by the session itself.
const SourceSystem = "system"

// Event is an external control message aimed at a task.
type Event struct {
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id"`
	Type      EventType      `json:"event_type"`
	ID        string         `json:"event_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Broadcast reports whether the event targets the whole session.
func (e Event) Broadcast() bool {
	return e.TaskID == BroadcastTaskID
}
