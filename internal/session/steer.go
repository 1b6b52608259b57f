package session

import (
	"context"
	"strings"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/schema"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

// Steer is the entry point for external control events. It reports whether
// the event reached a task inbox or was otherwise fully handled.
func (s *Session) Steer(ctx context.Context, ev steering.Event) bool {
	if s.isClosed() {
		return false
	}
	ev.SessionID = s.id
	if s.dedup.Seen(strings.TrimSpace(ev.TaskID), strings.TrimSpace(ev.ID)) {
		s.logger.Debug("duplicate steering event", "task_id", ev.TaskID, "event_id", ev.ID)
		return false
	}
	clean, err := steering.Sanitize(ev, s.cfg.PayloadLimits)
	if err != nil {
		s.logger.Warn("rejected steering event", "task_id", ev.TaskID, "error", err)
		return false
	}
	s.saveSteering(clean)
	return s.dispatch(ctx, clean, false)
}

// CancelTask asks the session to cancel a task and its cascading
// descendants.
func (s *Session) CancelTask(ctx context.Context, taskID, reason string) bool {
	return s.Steer(ctx, steering.Event{
		TaskID:  taskID,
		Type:    steering.EventCancel,
		Payload: map[string]any{schema.KeyReason: reason},
	})
}

// BroadcastSteer sends one event to every unfinished task.
func (s *Session) BroadcastSteer(ctx context.Context, typ steering.EventType, payload map[string]any) bool {
	return s.Steer(ctx, steering.Event{
		TaskID:  steering.BroadcastTaskID,
		Type:    typ,
		Payload: payload,
	})
}

// dispatch runs a sanitized event through patch resolution, confirmation
// and delivery. confirmed is set when replaying an approved parked event.
func (s *Session) dispatch(ctx context.Context, ev steering.Event, confirmed bool) bool {
	isVerdict := ev.Type == steering.EventApprove || ev.Type == steering.EventReject

	if patchID := schema.GetString(ev.Payload, schema.KeyPatchID); isVerdict && patchID != "" && s.hasPending(patchID) {
		if ev.Type == steering.EventReject {
			return s.RejectPendingPatch(ctx, patchID)
		}
		var override *agentcontext.MergeStrategy
		if raw := schema.GetString(ev.Payload, schema.KeyStrategy); raw != "" {
			strategy, err := agentcontext.ParseMergeStrategy(raw)
			if err != nil {
				s.logger.Warn("approve patch: bad strategy", "patch_id", patchID, "error", err)
				return false
			}
			override = &strategy
		}
		applied, err := s.ApplyPendingPatch(ctx, patchID, override)
		if err != nil {
			s.logger.Warn("approve patch", "patch_id", patchID, "error", err)
			return false
		}
		return applied
	}

	if token := schema.GetString(ev.Payload, schema.KeyResumeToken); isVerdict && token != "" {
		if parked, ok := s.takeParked(token); ok {
			if ev.Type == steering.EventReject {
				s.notify(parked.TaskID, "", "steering_rejected", "Steering request was rejected", map[string]any{
					schema.KeyEventID:   parked.ID,
					schema.KeyEventType: string(parked.Type),
				})
				return true
			}
			parked.Payload = schema.Clone(parked.Payload)
			parked.Payload[schema.KeyConfirmed] = true
			return s.dispatch(ctx, parked, true)
		}
	}

	if !confirmed && s.policy != nil && s.policy.RequiresConfirmation(ev) {
		s.park(ev)
		s.publishUpdate(ev.TaskID, "", eventbus.UpdateCheckpoint, map[string]any{
			schema.KeyKind:        "confirmation_required",
			schema.KeyResumeToken: ev.ID,
			schema.KeyEventID:     ev.ID,
			schema.KeyEventType:   string(ev.Type),
			schema.KeyActions:     []string{string(steering.EventApprove), string(steering.EventReject)},
		})
		return false
	}

	if ev.Broadcast() {
		handled := false
		for _, task := range s.registry.List(tasks.ListFilter{NonTerminal: true}) {
			target := ev
			target.TaskID = task.ID
			if s.act(ctx, target) {
				handled = true
			}
		}
		return handled
	}
	return s.act(ctx, ev)
}

// act applies session-level effects of ev and delivers it to the task's
// inbox.
func (s *Session) act(ctx context.Context, ev steering.Event) bool {
	task, ok := s.registry.Get(ev.TaskID)
	if !ok || tasks.IsTerminalStatus(task.Status) {
		return false
	}

	handled := false
	switch ev.Type {
	case steering.EventPrioritize:
		priority, _ := schema.GetInt(ev.Payload, schema.KeyPriority)
		updated, err := s.registry.SetPriority(task.ID, priority)
		if err != nil {
			return false
		}
		s.publishStatus(updated, "prioritized", map[string]any{schema.KeyPriority: priority})
		return true
	case steering.EventPause:
		if task.Status == tasks.StatusRunning || task.Status == tasks.StatusPending {
			if updated, err := s.registry.Transition(task.ID, tasks.StatusPaused, nil); err == nil {
				s.publishStatus(updated, "paused", nil)
			}
		}
	case steering.EventResume:
		if task.Status == tasks.StatusPaused {
			if updated, err := s.registry.Transition(task.ID, tasks.StatusRunning, nil); err == nil {
				s.publishStatus(updated, "resumed", nil)
			}
		}
	case steering.EventCancel:
		reason := schema.GetString(ev.Payload, schema.KeyReason)
		if reason == "" {
			reason = "cancelled"
		}
		handled = s.cancelOne(task.ID, reason, reason)
		s.cascadeCancel(task.ID)
	}

	return s.deliver(ev) || handled
}

// deliver pushes ev into the task inbox and acknowledges receipt.
func (s *Session) deliver(ev steering.Event) bool {
	lt := s.liveTask(ev.TaskID)
	if lt == nil {
		return false
	}
	if !lt.inbox.Push(ev) {
		s.logger.Warn("steering inbox full", "task_id", ev.TaskID, "event_id", ev.ID)
		return false
	}
	task, _ := s.registry.Get(ev.TaskID)
	s.publishStatus(task, "steering_received", map[string]any{
		schema.KeyEventID:   ev.ID,
		schema.KeyEventType: string(ev.Type),
	})
	return true
}

// cancelOne marks a task CANCELLED and interrupts its execution unit.
func (s *Session) cancelOne(taskID, errMsg, reason string) bool {
	task, err := s.registry.Transition(taskID, tasks.StatusCancelled, func(t *tasks.Task) {
		t.Error = errMsg
	})
	if err != nil {
		return false
	}
	if lt := s.liveTask(taskID); lt != nil {
		lt.cancel(&CancelledError{Reason: errMsg})
	}
	s.publishStatus(task, reason, nil)
	return true
}

func (s *Session) park(ev steering.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parked[ev.ID] = ev
}

func (s *Session) takeParked(token string) (steering.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.parked[token]
	if ok {
		delete(s.parked, token)
	}
	return ev, ok
}
