package agentcontext

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MergeStrategy selects how a patch is folded into the live context.
type MergeStrategy string

const (
	MergeAppend     MergeStrategy = "append"
	MergeReplace    MergeStrategy = "replace"
	MergeHumanGated MergeStrategy = "human_gated"
)

const (
	BackgroundResultsKey = "background_results"
	BackgroundResultKey  = "background_result"
)

func ParseMergeStrategy(raw string) (MergeStrategy, error) {
	switch MergeStrategy(strings.ToLower(strings.TrimSpace(raw))) {
	case MergeAppend:
		return MergeAppend, nil
	case MergeReplace:
		return MergeReplace, nil
	case MergeHumanGated:
		return MergeHumanGated, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q", raw)
	}
}

// Patch is a background task's proposed contribution to session context.
type Patch struct {
	TaskID               string           `json:"task_id"`
	SpawnedFromEventID   string           `json:"spawned_from_event_id,omitempty"`
	SourceContextVersion int              `json:"source_context_version"`
	SourceContextHash    string           `json:"source_context_hash,omitempty"`
	ContextDiverged      bool             `json:"context_diverged"`
	Digest               string           `json:"digest,omitempty"`
	Facts                map[string]any   `json:"facts,omitempty"`
	Artifacts            []map[string]any `json:"artifacts,omitempty"`
	Sources              []map[string]any `json:"sources,omitempty"`
	RecommendedNextSteps []string         `json:"recommended_next_steps,omitempty"`
	Assumptions          []string         `json:"assumptions,omitempty"`
}

// Diverged reports whether the context the patch was computed against
// differs from the given live version/hash.
func (p Patch) Diverged(version int, hash string) bool {
	if p.SourceContextVersion != version {
		return true
	}
	return p.SourceContextHash != hash
}

// record is the JSON-object form stored in llm_context.
func (p Patch) record() (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyPatch folds p into the live context with an APPEND or REPLACE
// strategy and returns the new version and hash.
func (c *SessionContext) ApplyPatch(p Patch, strategy MergeStrategy) (int, string, error) {
	rec, err := p.record()
	if err != nil {
		return 0, "", fmt.Errorf("encode patch: %w", err)
	}
	switch strategy {
	case MergeAppend:
		version, hash := c.Update(func(f *Fields) {
			if f.LLMContext == nil {
				f.LLMContext = map[string]any{}
			}
			var list []any
			switch existing := f.LLMContext[BackgroundResultsKey].(type) {
			case []any:
				list = append(list, existing...)
			case []map[string]any:
				for _, item := range existing {
					list = append(list, item)
				}
			}
			f.LLMContext[BackgroundResultsKey] = append(list, rec)
		})
		return version, hash, nil
	case MergeReplace:
		version, hash := c.Update(func(f *Fields) {
			if f.LLMContext == nil {
				f.LLMContext = map[string]any{}
			}
			f.LLMContext[BackgroundResultKey] = rec
		})
		return version, hash, nil
	case MergeHumanGated:
		return 0, "", fmt.Errorf("human-gated patches must be approved before they are applied")
	default:
		return 0, "", fmt.Errorf("unknown merge strategy %q", strategy)
	}
}
