package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/idgen"
	"github.com/flitsinc/go-sessions/internal/schema"
	"github.com/flitsinc/go-sessions/internal/steering"
)

// ApplyContextPatch folds a task's patch into the live context. Human-gated
// patches are parked and their id returned; APPEND and REPLACE merge
// immediately and return "".
func (s *Session) ApplyContextPatch(ctx context.Context, patch agentcontext.Patch, strategy agentcontext.MergeStrategy) (string, error) {
	if strategy == "" {
		strategy = s.cfg.DefaultMergeStrategy
	}
	switch strategy {
	case agentcontext.MergeHumanGated:
		return s.parkPatch(patch)
	case agentcontext.MergeAppend, agentcontext.MergeReplace:
		return "", s.merge(patch, strategy)
	default:
		return "", fmt.Errorf("apply context patch: unknown merge strategy %q", strategy)
	}
}

func (s *Session) parkPatch(patch agentcontext.Patch) (string, error) {
	view := s.context.View()
	if patch.Diverged(view.Version, view.Hash) {
		patch.ContextDiverged = true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if len(s.pending) >= s.cfg.MaxPendingPatches {
		s.mu.Unlock()
		return "", ErrTooManyPendingPatches
	}
	pending := PendingPatch{
		ID:        idgen.New(),
		TaskID:    patch.TaskID,
		Patch:     patch,
		Strategy:  agentcontext.MergeHumanGated,
		CreatedAt: s.now().UTC(),
	}
	s.pending[pending.ID] = pending
	s.mu.Unlock()

	content := map[string]any{
		schema.KeyKind:     "patch_approval",
		schema.KeyPatchID:  pending.ID,
		schema.KeyActions:  []string{string(steering.EventApprove), string(steering.EventReject)},
		schema.KeyDiverged: patch.ContextDiverged,
	}
	if patch.Digest != "" {
		content["digest"] = patch.Digest
	}
	s.publishUpdate(patch.TaskID, "", eventbus.UpdateCheckpoint, content)
	return pending.ID, nil
}

// merge applies patch with APPEND or REPLACE, marking it diverged when the
// live context moved on since the patch was computed.
func (s *Session) merge(patch agentcontext.Patch, strategy agentcontext.MergeStrategy) error {
	s.mergeMu.Lock()
	view := s.context.View()
	if patch.Diverged(view.Version, view.Hash) {
		patch.ContextDiverged = true
	}
	version, _, err := s.context.ApplyPatch(patch, strategy)
	s.mergeMu.Unlock()
	if err != nil {
		return fmt.Errorf("merge patch: %w", err)
	}

	if patch.ContextDiverged {
		s.notify(patch.TaskID, "", "context_diverged",
			"Background results were merged against an outdated session context", map[string]any{
				"source_context_version": patch.SourceContextVersion,
				schema.KeyVersion:        version,
				schema.KeyStrategy:       string(strategy),
			})
	}
	return nil
}

// ApplyPendingPatch merges a parked patch. The patch's own strategy is
// human-gated, so it merges with APPEND unless strategy overrides it. A
// second call for the same id returns false.
func (s *Session) ApplyPendingPatch(ctx context.Context, patchID string, strategy *agentcontext.MergeStrategy) (bool, error) {
	effective := agentcontext.MergeAppend
	if strategy != nil && *strategy != "" {
		switch *strategy {
		case agentcontext.MergeAppend, agentcontext.MergeReplace:
			effective = *strategy
		default:
			return false, fmt.Errorf("apply pending patch: strategy %q cannot merge", *strategy)
		}
	}
	pending, ok := s.takePending(patchID)
	if !ok {
		return false, nil
	}
	if err := s.merge(pending.Patch, effective); err != nil {
		s.mu.Lock()
		s.pending[pending.ID] = pending
		s.mu.Unlock()
		return false, err
	}
	s.notify(pending.TaskID, "", "patch_applied", "Background results were applied to the session context", map[string]any{
		schema.KeyPatchID:  pending.ID,
		schema.KeyStrategy: string(effective),
		schema.KeyVersion:  s.context.Version(),
	})
	return true, nil
}

// RejectPendingPatch discards a parked patch without touching the context.
func (s *Session) RejectPendingPatch(ctx context.Context, patchID string) bool {
	pending, ok := s.takePending(patchID)
	if !ok {
		return false
	}
	s.notify(pending.TaskID, "", "patch_rejected", "Background results were discarded", map[string]any{
		schema.KeyPatchID: pending.ID,
	})
	return true
}

// PendingPatches lists parked patches, oldest first.
func (s *Session) PendingPatches() []PendingPatch {
	s.mu.Lock()
	out := make([]PendingPatch, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Session) hasPending(patchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[patchID]
	return ok
}

func (s *Session) takePending(patchID string) (PendingPatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[patchID]
	if ok {
		delete(s.pending, patchID)
	}
	return p, ok
}
