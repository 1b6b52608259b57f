package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/idgen"
	"github.com/flitsinc/go-sessions/internal/schema"
	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
	"github.com/flitsinc/go-sessions/internal/telemetry"
)

// Session owns the tasks, live context and update stream of one
// conversation.
type Session struct {
	id        string
	cfg       Config
	store     StateStore
	logger    *slog.Logger
	telemetry telemetry.Sink
	policy    ControlPolicy
	now       func() time.Time

	context  *agentcontext.SessionContext
	registry *tasks.Registry
	broker   *eventbus.Broker
	dedup    *steering.Deduper
	gate     *semaphore.Weighted
	persist  *persister

	// mergeMu serializes context mutation so divergence checks and the
	// merge that follows see the same version.
	mergeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	live    map[string]*liveTask
	pending map[string]PendingPatch
	parked  map[string]steering.Event
	wg      sync.WaitGroup
}

// liveTask is the execution bookkeeping of a task that has not finished.
type liveTask struct {
	inbox   *steering.Inbox
	cancel  context.CancelCauseFunc
	spawned time.Time
}

// New creates an empty session. A nil store keeps records in memory.
func New(id string, store StateStore, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	cfg := o.config.withDefaults()
	if store == nil {
		store = state.NewMemoryStore()
	}
	dedup, err := steering.NewDeduper(0, cfg.DedupWindow)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("session_id", id)

	s := &Session{
		id:        id,
		cfg:       cfg,
		store:     store,
		logger:    logger,
		telemetry: o.telemetry,
		policy:    o.policy,
		now:       o.now,
		context:   agentcontext.NewSessionContext(o.initial),
		broker:    eventbus.NewBroker(eventbus.WithQueueSize(cfg.SubscriberQueueSize)),
		dedup:     dedup,
		persist:   newPersister(cfg.PersistQueueSize, logger),
		live:      map[string]*liveTask{},
		pending:   map[string]PendingPatch{},
		parked:    map[string]steering.Event{},
	}
	if cfg.MaxConcurrentTasks > 0 {
		s.gate = semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks))
	}
	s.registry = tasks.NewRegistry(id, tasks.WithClock(o.now), tasks.WithOnChange(s.saveTask))
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// orphanedError is recorded on tasks that were unfinished when their
// previous process stopped.
const orphanedError = "orphaned"

// hydrate restores stored tasks. Finished tasks keep their stored status.
// Unfinished ones have no execution unit left to finish them, so they are
// marked FAILED with error "orphaned" and stop counting toward limits.
func (s *Session) hydrate(ctx context.Context) error {
	stored, err := s.store.ListTasks(ctx, s.id)
	if err != nil {
		return fmt.Errorf("hydrate session %s: %w", s.id, err)
	}
	s.registry.Restore(stored)
	for _, task := range s.registry.List(tasks.ListFilter{NonTerminal: true}) {
		failed, err := s.registry.Transition(task.ID, tasks.StatusFailed, func(t *tasks.Task) {
			t.Error = orphanedError
		})
		if err != nil {
			s.logger.Warn("fail orphaned task", "task_id", task.ID, "error", err)
			continue
		}
		s.publishStatus(failed, orphanedError, map[string]any{schema.KeyPreviousStatus: string(task.Status)})
	}
	return nil
}

// SpawnTask admits a task and starts it in the background. It returns once
// the task record exists.
func (s *Session) SpawnTask(ctx context.Context, spec Spec) (string, error) {
	h, err := s.admit(context.WithoutCancel(ctx), spec)
	if err != nil {
		return "", err
	}
	go func() {
		defer s.wg.Done()
		s.execute(h)
	}()
	return h.task.ID, nil
}

// RunTask admits a task and runs it on the calling goroutine. Cancelling
// ctx cancels the task. The returned error covers admission only; task
// failures are reported in the Result.
func (s *Session) RunTask(ctx context.Context, spec Spec) (Result, error) {
	h, err := s.admit(ctx, spec)
	if err != nil {
		return Result{}, err
	}
	defer s.wg.Done()
	return s.execute(h), nil
}

type taskHandle struct {
	task     tasks.Task
	pipeline Pipeline
	runtime  *Runtime
	ctx      context.Context
	cancel   context.CancelCauseFunc
	timeout  time.Duration
	strategy agentcontext.MergeStrategy
	acquired bool
}

func (s *Session) admit(ctx context.Context, spec Spec) (*taskHandle, error) {
	if spec.Pipeline == nil {
		return nil, fmt.Errorf("spawn task: pipeline is required")
	}
	taskType := spec.Type
	if taskType == "" {
		taskType = tasks.TypeForeground
	}
	if taskType != tasks.TypeForeground && taskType != tasks.TypeBackground {
		return nil, fmt.Errorf("spawn task: unknown task type %q", taskType)
	}
	taskID := spec.ID
	if taskID != "" {
		if err := idgen.ValidateCustomID(taskID); err != nil {
			return nil, fmt.Errorf("spawn task: %w", err)
		}
	} else {
		taskID = idgen.New()
	}
	scope, inTask := agentcontext.ScopeFromContext(ctx)
	inTask = inTask && scope.SessionID == s.id
	parentID := spec.ParentID
	if parentID == "" && inTask {
		parentID = scope.TaskID
	}
	traceID := idgen.TraceID(ctx)
	if inTask && scope.TraceID != "" {
		traceID = scope.TraceID
	}

	var snapshot agentcontext.Snapshot
	if spec.Snapshot != nil {
		snapshot = *spec.Snapshot
	} else {
		meta := spec.Spawn
		if meta.SpawnedFromTaskID == "" {
			meta.SpawnedFromTaskID = parentID
		}
		var err error
		snapshot, err = agentcontext.NewSnapshot(s.context.View(), meta, taskType == tasks.TypeBackground)
		if err != nil {
			return nil, fmt.Errorf("spawn task: %w", err)
		}
	}
	snapshot.SessionID = s.id
	snapshot.TaskID = taskID
	snapshot.TraceID = traceID

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.registry.Count(tasks.ListFilter{NonTerminal: true}) >= s.cfg.MaxTasksPerSession {
		return nil, ErrTooManyTasks
	}
	if taskType == tasks.TypeBackground &&
		s.registry.Count(tasks.ListFilter{Type: tasks.TypeBackground, NonTerminal: true}) >= s.cfg.MaxBackgroundTasks {
		return nil, ErrTooManyBackgroundTasks
	}

	task, err := s.registry.Create(tasks.Task{
		ID:          taskID,
		ParentID:    parentID,
		Type:        taskType,
		Priority:    spec.Priority,
		Snapshot:    snapshot,
		TraceID:     traceID,
		Description: spec.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn task: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	inbox := steering.NewInbox(s.cfg.InboxSize)
	s.live[taskID] = &liveTask{inbox: inbox, cancel: cancel, spawned: s.now()}
	s.wg.Add(1)

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.MaxTaskRuntime
	}
	strategy := spec.MergeStrategy
	if strategy == "" {
		strategy = s.cfg.DefaultMergeStrategy
	}
	h := &taskHandle{
		task:     task,
		pipeline: spec.Pipeline,
		runtime:  &Runtime{session: s, taskID: taskID, traceID: traceID, inbox: inbox, snapshot: snapshot},
		ctx:      runCtx,
		cancel:   cancel,
		timeout:  timeout,
		strategy: strategy,
	}
	// Claiming a gate slot here keeps admission order deterministic for
	// tasks spawned back to back.
	if s.gate == nil || s.gate.TryAcquire(1) {
		h.acquired = true
	}

	s.emitTelemetry(telemetry.Event{Kind: telemetry.KindSpawn, SessionID: s.id, TaskID: taskID,
		TaskType: string(taskType), TraceID: traceID, Status: string(task.Status)})
	return h, nil
}

// Task returns a copy of the task record.
func (s *Session) Task(taskID string) (tasks.Task, bool) {
	return s.registry.Get(taskID)
}

// ListTasks returns copies of the tasks matching filter.
func (s *Session) ListTasks(filter tasks.ListFilter) []tasks.Task {
	return s.registry.List(filter)
}

// ListUpdates reads persisted updates, optionally for one task.
func (s *Session) ListUpdates(ctx context.Context, taskID, sinceID string, limit int) ([]eventbus.Update, error) {
	updates, err := s.store.ListUpdates(ctx, s.id, state.UpdateQuery{TaskID: taskID, SinceID: sinceID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	return updates, nil
}

// Context returns a point-in-time view of the live session context.
func (s *Session) Context() agentcontext.View {
	return s.context.View()
}

// UpdateContext mutates the live context and returns the new version and
// hash.
func (s *Session) UpdateContext(fn func(*agentcontext.Fields)) (int, string) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	return s.context.Update(fn)
}

// Close cancels every live task, marks unfinished tasks CANCELLED and
// drains pending writes. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := s.live
	s.live = map[string]*liveTask{}
	s.pending = map[string]PendingPatch{}
	s.parked = map[string]steering.Event{}
	s.mu.Unlock()

	const reason = "session closed"
	for _, task := range s.registry.List(tasks.ListFilter{NonTerminal: true}) {
		updated, err := s.registry.Transition(task.ID, tasks.StatusCancelled, func(t *tasks.Task) {
			t.Error = reason
		})
		if err != nil {
			continue
		}
		s.publishStatus(updated, "session_closed", nil)
	}
	for _, lt := range live {
		lt.cancel(&CancelledError{Reason: reason})
	}

	var waitErr error
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for tasks: %w", ctx.Err())
	}
	for _, lt := range live {
		lt.inbox.Close()
	}
	s.broker.Close()
	if err := s.persist.close(ctx); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("drain persistence: %w", err)
	}
	return waitErr
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) liveTask(taskID string) *liveTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[taskID]
}

// publish fans u out to subscribers and queues it for storage.
func (s *Session) publish(u eventbus.Update) eventbus.Update {
	if u.SessionID == "" {
		u.SessionID = s.id
	}
	s.broker.Publish(u)
	s.persist.submit("update", func(ctx context.Context) error {
		return s.store.SaveUpdate(ctx, u)
	})
	return u
}

func (s *Session) publishUpdate(taskID, traceID string, typ eventbus.UpdateType, content map[string]any) eventbus.Update {
	return s.publish(eventbus.NewUpdate(s.id, taskID, traceID, typ, content))
}

func (s *Session) publishStatus(task tasks.Task, reason string, extra map[string]any) {
	content := schema.Clone(extra)
	content[schema.KeyStatus] = string(task.Status)
	if reason != "" {
		content[schema.KeyReason] = reason
	}
	s.publishUpdate(task.ID, task.TraceID, eventbus.UpdateStatusChange, content)
}

func (s *Session) notify(taskID, traceID, kind, message string, extra map[string]any) {
	content := schema.Clone(extra)
	content[schema.KeyKind] = kind
	content[schema.KeyMessage] = message
	s.publishUpdate(taskID, traceID, eventbus.UpdateNotification, content)
}

func (s *Session) saveTask(task tasks.Task) {
	s.persist.submit("task", func(ctx context.Context) error {
		return s.store.SaveTask(ctx, task)
	})
}

func (s *Session) saveSteering(ev steering.Event) {
	s.persist.submit("steering", func(ctx context.Context) error {
		return s.store.SaveSteering(ctx, ev)
	})
}

// emitTelemetry hands ev to the sink on its own goroutine. Sink errors and
// panics are logged and dropped.
func (s *Session) emitTelemetry(ev telemetry.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("telemetry sink panicked", "task_id", ev.TaskID, "panic", r)
			}
		}()
		if err := s.telemetry.Emit(context.Background(), ev); err != nil {
			s.logger.Debug("telemetry emit failed", "task_id", ev.TaskID, "error", err)
		}
	}()
}
