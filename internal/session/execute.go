package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/schema"
	"github.com/flitsinc/go-sessions/internal/tasks"
	"github.com/flitsinc/go-sessions/internal/telemetry"
)

type outcome struct {
	value any
	err   error
}

// execute drives one task from admission to a terminal state.
func (s *Session) execute(h *taskHandle) Result {
	taskID := h.task.ID
	log := s.logger.With("task_id", taskID)
	defer func() {
		if h.acquired && s.gate != nil {
			s.gate.Release(1)
		}
		h.cancel(nil)
		s.release(taskID)
	}()

	if !h.acquired {
		s.publishStatus(h.task, "queued", nil)
		if err := s.gate.Acquire(h.ctx, 1); err != nil {
			return s.finishCancelled(h, cancelReason(h.ctx))
		}
		h.acquired = true
	}
	if h.ctx.Err() != nil {
		return s.finishCancelled(h, cancelReason(h.ctx))
	}

	running, err := s.registry.Transition(taskID, tasks.StatusRunning, nil)
	if err != nil {
		log.Debug("task not started", "error", err)
		return s.finishCancelled(h, cancelReason(h.ctx))
	}
	s.publishStatus(running, "", nil)

	pipeCtx := h.ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		pipeCtx, cancel = context.WithTimeoutCause(h.ctx, h.timeout, errTaskTimeout)
		defer cancel()
	}
	pipeCtx = agentcontext.WithScope(pipeCtx, agentcontext.Scope{
		SessionID: s.id,
		TaskID:    taskID,
		TraceID:   h.task.TraceID,
	})

	out := s.invoke(pipeCtx, h)

	switch {
	case out.err == nil:
		return s.finishComplete(h, out.value)
	case errors.Is(context.Cause(pipeCtx), errTaskTimeout) && h.ctx.Err() == nil:
		return s.finishFailed(h, "timeout", "timeout")
	case h.ctx.Err() != nil:
		return s.finishCancelled(h, cancelReason(h.ctx))
	}
	var cancelled *CancelledError
	if errors.As(out.err, &cancelled) {
		return s.finishCancelled(h, cancelled.Reason)
	}
	log.Warn("task failed", "error", out.err)
	return s.finishFailed(h, out.err.Error(), errorType(out.err))
}

// invoke runs the pipeline and returns when it finishes or ctx ends,
// whichever happens first. A pipeline that ignores ctx is abandoned.
func (s *Session) invoke(ctx context.Context, h *taskHandle) outcome {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r}}
			}
		}()
		value, err := h.pipeline(ctx, h.runtime)
		done <- outcome{value: value, err: err}
	}()
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		select {
		case out := <-done:
			if out.err == nil {
				return out
			}
		default:
		}
		return outcome{err: context.Cause(ctx)}
	}
}

func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	var cancelled *CancelledError
	if errors.As(cause, &cancelled) {
		return cancelled.Reason
	}
	if cause != nil {
		return cause.Error()
	}
	return "cancelled"
}

func (s *Session) finishComplete(h *taskHandle, value any) Result {
	res := resultFrom(value)
	res.TaskID = h.task.ID
	task, err := s.registry.Transition(h.task.ID, tasks.StatusComplete, func(t *tasks.Task) {
		t.Result = res.Payload
	})
	if err != nil {
		current, _ := s.registry.Get(h.task.ID)
		if current.Status == tasks.StatusCancelled {
			// Cancelled while the pipeline was returning.
			return s.finishCancelled(h, current.Error)
		}
		return Result{TaskID: h.task.ID, Status: current.Status, Error: current.Error}
	}
	res.Status = tasks.StatusComplete
	s.publishStatus(task, "", nil)

	if res.Patch != nil {
		patch := s.preparePatch(*res.Patch, h)
		strategy := res.MergeStrategy
		if strategy == "" {
			strategy = h.strategy
		}
		patchID, err := s.ApplyContextPatch(context.Background(), patch, strategy)
		if err != nil {
			s.logger.Warn("merge task patch", "task_id", task.ID, "error", err)
			s.publishUpdate(task.ID, task.TraceID, eventbus.UpdateError, map[string]any{
				schema.KeyError:     err.Error(),
				schema.KeyErrorType: "merge",
			})
		}
		res.PatchID = patchID
	}

	content := map[string]any{schema.KeyStatus: string(tasks.StatusComplete)}
	if res.Digest != "" {
		content["digest"] = res.Digest
	} else if res.Patch != nil && res.Patch.Digest != "" {
		content["digest"] = res.Patch.Digest
	}
	if res.Payload != nil {
		content["payload"] = res.Payload
	}
	if len(res.Artifacts) > 0 {
		content["artifacts"] = res.Artifacts
	}
	if len(res.Sources) > 0 {
		content["sources"] = res.Sources
	}
	if res.PatchID != "" {
		content[schema.KeyPatchID] = res.PatchID
	}
	s.publishUpdate(task.ID, task.TraceID, eventbus.UpdateResult, content)

	switch {
	case res.Notification != nil:
		s.notify(task.ID, task.TraceID, "task_completed", res.Notification.Message, res.Notification.Payload)
	case task.Type == tasks.TypeBackground && task.Snapshot.NotifyOnComplete:
		s.notify(task.ID, task.TraceID, "task_completed", completionMessage(task), nil)
	}

	s.emitTerminal(task, telemetry.KindComplete, "", "")
	return res
}

func completionMessage(task tasks.Task) string {
	if task.Description != "" {
		return fmt.Sprintf("Background task %q completed", task.Description)
	}
	return fmt.Sprintf("Background task %s completed", task.ID)
}

// preparePatch fills in provenance the pipeline left empty.
func (s *Session) preparePatch(p agentcontext.Patch, h *taskHandle) agentcontext.Patch {
	if p.TaskID == "" {
		p.TaskID = h.task.ID
	}
	if p.SpawnedFromEventID == "" {
		p.SpawnedFromEventID = h.task.Snapshot.SpawnedFromEventID
	}
	if p.SourceContextVersion == 0 && p.SourceContextHash == "" {
		p.SourceContextVersion = h.task.Snapshot.ContextVersion
		p.SourceContextHash = h.task.Snapshot.ContextHash
	}
	return p
}

// finishCancelled records the cancellation, announces it and cancels the
// task's cascading descendants. Descendants already cancelled by a steered
// CANCEL are skipped.
func (s *Session) finishCancelled(h *taskHandle, reason string) Result {
	prev, _ := s.registry.Get(h.task.ID)
	task, err := s.registry.Transition(h.task.ID, tasks.StatusCancelled, func(t *tasks.Task) {
		t.Error = reason
	})
	if err != nil {
		current, _ := s.registry.Get(h.task.ID)
		return Result{TaskID: h.task.ID, Status: current.Status, Error: current.Error}
	}
	if prev.Status != tasks.StatusCancelled {
		s.publishStatus(task, reason, nil)
	}
	if task.Type == tasks.TypeBackground {
		s.notify(task.ID, task.TraceID, "task_cancelled", fmt.Sprintf("Background task %s was cancelled", task.ID),
			map[string]any{schema.KeyReason: task.Error})
	}
	s.emitTerminal(task, telemetry.KindCancel, task.Error, "")
	s.cascadeCancel(task.ID)
	return Result{TaskID: task.ID, Status: tasks.StatusCancelled, Error: task.Error}
}

func (s *Session) finishFailed(h *taskHandle, message, errType string) Result {
	task, err := s.registry.Transition(h.task.ID, tasks.StatusFailed, func(t *tasks.Task) {
		t.Error = message
	})
	if err != nil {
		current, _ := s.registry.Get(h.task.ID)
		return Result{TaskID: h.task.ID, Status: current.Status, Error: current.Error}
	}
	reason := "error"
	if errType == "timeout" || errType == "panic" {
		reason = errType
	}
	s.publishStatus(task, reason, nil)
	s.publishUpdate(task.ID, task.TraceID, eventbus.UpdateError, map[string]any{
		schema.KeyError:     message,
		schema.KeyErrorType: errType,
	})
	if task.Type == tasks.TypeBackground {
		s.notify(task.ID, task.TraceID, "task_failed", fmt.Sprintf("Background task %s failed: %s", task.ID, message),
			map[string]any{schema.KeyError: message, schema.KeyErrorType: errType})
	}
	s.emitTerminal(task, telemetry.KindFail, message, errType)
	return Result{TaskID: task.ID, Status: tasks.StatusFailed, Error: message, ErrorType: errType}
}

func (s *Session) emitTerminal(task tasks.Task, kind telemetry.Kind, errMsg, errType string) {
	ev := telemetry.Event{
		Kind:      kind,
		SessionID: s.id,
		TaskID:    task.ID,
		TaskType:  string(task.Type),
		TraceID:   task.TraceID,
		Status:    string(task.Status),
		Error:     errMsg,
		ErrorType: errType,
	}
	if lt := s.liveTask(task.ID); lt != nil {
		ev.Duration = s.now().Sub(lt.spawned)
	}
	s.emitTelemetry(ev)
}

// release drops a finished task's execution bookkeeping.
func (s *Session) release(taskID string) {
	s.mu.Lock()
	lt, ok := s.live[taskID]
	delete(s.live, taskID)
	s.mu.Unlock()
	if ok {
		lt.inbox.Close()
	}
}
