package schema

// Well-known keys in steering payloads and update content.
const (
	KeyReason         = "reason"
	KeyStatus         = "status"
	KeyPreviousStatus = "previous_status"
	KeyPriority       = "priority"
	KeyPatchID        = "patch_id"
	KeyResumeToken    = "resume_token"
	KeyConfirmed      = "confirmed"
	KeyMessage        = "message"
	KeyKind           = "kind"
	KeyTaskID         = "task_id"
	KeyEventID        = "event_id"
	KeyEventType      = "event_type"
	KeyActions        = "actions"
	KeyError          = "error"
	KeyErrorType      = "error_type"
	KeyStrategy       = "strategy"
	KeyDiverged       = "context_diverged"
	KeyVersion        = "context_version"
)

// GetString extracts a string from a payload map. Returns "" if missing/not string.
func GetString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	str, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return str
}

// GetBool reports whether payload[key] is the boolean true.
func GetBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	v, ok := payload[key].(bool)
	return ok && v
}

// GetInt extracts an integer from a payload map. JSON-decoded numbers arrive
// as float64 and are accepted only when they carry no fractional part.
func GetInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of payload, never nil.
func Clone(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	return out
}
