package agentcontext

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// Fields is the mutable content of a session context.
type Fields struct {
	LLMContext  map[string]any `json:"llm_context"`
	ToolContext map[string]any `json:"tool_context"`
	Memory      map[string]any `json:"memory"`
	Artifacts   []any          `json:"artifacts"`
}

// View is a point-in-time read of a SessionContext. Maps are shallow copies.
type View struct {
	Fields
	Version int    `json:"version"`
	Hash    string `json:"context_hash,omitempty"`
}

// SessionContext is the live state shared by a session's tasks. Version
// increases by exactly one on every successful mutation and Hash is
// recomputed each time.
type SessionContext struct {
	mu      sync.RWMutex
	fields  Fields
	version int
	hash    string
}

func NewSessionContext(initial Fields) *SessionContext {
	c := &SessionContext{fields: normalize(initial)}
	c.hash = HashLLMContext(c.fields.LLMContext)
	return c
}

// Update applies fn under the write lock, bumps the version and rehashes.
func (c *SessionContext) Update(fn func(*Fields)) (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil {
		fn(&c.fields)
	}
	c.fields = normalize(c.fields)
	c.version++
	c.hash = HashLLMContext(c.fields.LLMContext)
	return c.version, c.hash
}

func (c *SessionContext) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		Fields: Fields{
			LLMContext:  shallowMap(c.fields.LLMContext),
			ToolContext: shallowMap(c.fields.ToolContext),
			Memory:      shallowMap(c.fields.Memory),
			Artifacts:   append([]any(nil), c.fields.Artifacts...),
		},
		Version: c.version,
		Hash:    c.hash,
	}
}

func (c *SessionContext) Version() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *SessionContext) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// HashLLMContext returns the hex sha256 of the JSON encoding of llm.
// encoding/json sorts map keys, so equal contents hash equally. An empty
// string means the context could not be serialized.
func HashLLMContext(llm map[string]any) string {
	if llm == nil {
		llm = map[string]any{}
	}
	data, err := json.Marshal(llm)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalize(f Fields) Fields {
	if f.LLMContext == nil {
		f.LLMContext = map[string]any{}
	}
	if f.ToolContext == nil {
		f.ToolContext = map[string]any{}
	}
	if f.Memory == nil {
		f.Memory = map[string]any{}
	}
	return f
}

func shallowMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
