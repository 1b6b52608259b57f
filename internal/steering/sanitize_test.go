package steering

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeNormalizes(t *testing.T) {
	ev, err := Sanitize(Event{TaskID: "  t1 ", Type: "PAUSE", Payload: map[string]any{"n": 1}}, Limits{})
	require.NoError(t, err)
	require.Equal(t, "t1", ev.TaskID)
	require.Equal(t, EventPause, ev.Type)
	require.NotEmpty(t, ev.ID)
	require.False(t, ev.CreatedAt.IsZero())
	require.Equal(t, float64(1), ev.Payload["n"])
}

func TestSanitizeRejects(t *testing.T) {
	deep := map[string]any{}
	cur := deep
	for i := 0; i < 10; i++ {
		next := map[string]any{}
		cur["x"] = next
		cur = next
	}
	wide := map[string]any{}
	for i := 0; i < 100; i++ {
		wide[strings.Repeat("k", i+1)] = i
	}

	cases := map[string]Event{
		"missing task":        {Type: EventPause},
		"unknown type":        {TaskID: "t", Type: "explode"},
		"too large":           {TaskID: "t", Type: EventPause, Payload: map[string]any{"s": strings.Repeat("x", 20*1024)}},
		"too deep":            {TaskID: "t", Type: EventPause, Payload: deep},
		"too many keys":       {TaskID: "t", Type: EventPause, Payload: wide},
		"long string":         {TaskID: "t", Type: EventPause, Payload: map[string]any{"s": strings.Repeat("x", 5000)}},
		"long list":           {TaskID: "t", Type: EventPause, Payload: map[string]any{"l": make([]any, 200)}},
		"unencodable":         {TaskID: "t", Type: EventPause, Payload: map[string]any{"c": make(chan int)}},
		"priority missing":    {TaskID: "t", Type: EventPrioritize},
		"priority fraction":   {TaskID: "t", Type: EventPrioritize, Payload: map[string]any{"priority": 1.5}},
		"patch id not string": {TaskID: "t", Type: EventApprove, Payload: map[string]any{"patch_id": 3}},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Sanitize(ev, Limits{})
			require.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestSanitizeAcceptsTypedPayloads(t *testing.T) {
	ev, err := Sanitize(Event{TaskID: "t", Type: EventPrioritize, Payload: map[string]any{"priority": 5}}, Limits{})
	require.NoError(t, err)
	require.Equal(t, float64(5), ev.Payload["priority"])

	_, err = Sanitize(Event{TaskID: BroadcastTaskID, Type: EventReject, Payload: map[string]any{"resume_token": "abc"}}, Limits{})
	require.NoError(t, err)
}
