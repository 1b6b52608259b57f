package steering

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/go-sessions/internal/idgen"
	"github.com/flitsinc/go-sessions/internal/schema"
)

var ErrInvalidEvent = errors.New("invalid steering event")

// Limits bounds the shape of a steering payload.
type Limits struct {
	MaxPayloadBytes int
	MaxDepth        int
	MaxKeys         int
	MaxStringLen    int
	MaxListLen      int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 16 * 1024,
		MaxDepth:        6,
		MaxKeys:         64,
		MaxStringLen:    4096,
		MaxListLen:      128,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxKeys <= 0 {
		l.MaxKeys = d.MaxKeys
	}
	if l.MaxStringLen <= 0 {
		l.MaxStringLen = d.MaxStringLen
	}
	if l.MaxListLen <= 0 {
		l.MaxListLen = d.MaxListLen
	}
	return l
}

// Sanitize normalizes ev and enforces payload limits. The returned event
// has trimmed identifiers, an event id, a creation time and a payload that
// round-trips through JSON.
func Sanitize(ev Event, limits Limits) (Event, error) {
	limits = limits.withDefaults()

	ev.SessionID = strings.TrimSpace(ev.SessionID)
	ev.TaskID = strings.TrimSpace(ev.TaskID)
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Source = strings.TrimSpace(ev.Source)
	ev.Type = EventType(strings.ToLower(strings.TrimSpace(string(ev.Type))))

	if ev.TaskID == "" {
		return Event{}, fmt.Errorf("%w: missing task_id", ErrInvalidEvent)
	}
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, ev.Type)
	}
	if len(ev.ID) > limits.MaxStringLen {
		return Event{}, fmt.Errorf("%w: event_id too long", ErrInvalidEvent)
	}
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: payload is not JSON: %v", ErrInvalidEvent, err)
	}
	if len(data) > limits.MaxPayloadBytes {
		return Event{}, fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidEvent, len(data), limits.MaxPayloadBytes)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Event{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidEvent, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := checkValue(payload, 1, limits); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev.Payload = payload

	if err := checkShape(ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, nil
}

func checkValue(v any, depth int, limits Limits) error {
	if depth > limits.MaxDepth {
		return fmt.Errorf("payload nested deeper than %d", limits.MaxDepth)
	}
	switch val := v.(type) {
	case map[string]any:
		if len(val) > limits.MaxKeys {
			return fmt.Errorf("object has %d keys, limit %d", len(val), limits.MaxKeys)
		}
		for k, item := range val {
			if len(k) > limits.MaxStringLen {
				return fmt.Errorf("key longer than %d", limits.MaxStringLen)
			}
			if err := checkValue(item, depth+1, limits); err != nil {
				return err
			}
		}
	case []any:
		if len(val) > limits.MaxListLen {
			return fmt.Errorf("list has %d items, limit %d", len(val), limits.MaxListLen)
		}
		for _, item := range val {
			if err := checkValue(item, depth+1, limits); err != nil {
				return err
			}
		}
	case string:
		if len(val) > limits.MaxStringLen {
			return fmt.Errorf("string longer than %d", limits.MaxStringLen)
		}
	}
	return nil
}

func checkShape(ev Event) error {
	switch ev.Type {
	case EventPrioritize:
		if _, ok := schema.GetInt(ev.Payload, schema.KeyPriority); !ok {
			return fmt.Errorf("prioritize requires an integer %s", schema.KeyPriority)
		}
	case EventApprove, EventReject:
		for _, key := range []string{schema.KeyPatchID, schema.KeyResumeToken} {
			raw, ok := ev.Payload[key]
			if !ok || raw == nil {
				continue
			}
			if _, isString := raw.(string); !isString {
				return fmt.Errorf("%s must be a string", key)
			}
		}
	}
	return nil
}
