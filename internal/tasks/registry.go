package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrTaskNotFound            = errors.New("task not found")
	ErrTaskExists              = errors.New("task already exists")
	ErrInvalidStatusTransition = errors.New("invalid task status transition")
)

type StatusTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

type ListFilter struct {
	Type        Type
	Status      Status
	ParentID    string
	NonTerminal bool
	Limit       int
}

func (f ListFilter) match(t *Task) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.NonTerminal && IsTerminalStatus(t.Status) {
		return false
	}
	return true
}

// Registry is the authoritative in-memory task table of one session. Every
// mutation is reported to the change hook so the owner can persist it.
type Registry struct {
	sessionID string
	nowFn     func() time.Time
	onChange  func(Task)

	mu       sync.RWMutex
	tasks    map[string]*Task
	children map[string][]string
}

type Option func(*Registry)

func WithClock(nowFn func() time.Time) Option {
	return func(r *Registry) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

// WithOnChange registers a hook called with a copy of the task after every
// mutation. It runs outside the registry lock.
func WithOnChange(fn func(Task)) Option {
	return func(r *Registry) {
		r.onChange = fn
	}
}

func NewRegistry(sessionID string, opts ...Option) *Registry {
	r := &Registry{
		sessionID: sessionID,
		nowFn:     func() time.Time { return time.Now().UTC() },
		tasks:     map[string]*Task{},
		children:  map[string][]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) now() time.Time {
	return r.nowFn().UTC()
}

// Create registers a new task in PENDING status.
func (r *Registry) Create(task Task) (Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return Task{}, fmt.Errorf("task id is required")
	}
	if task.Type == "" {
		task.Type = TypeForeground
	}
	createdAt := r.now()
	task.SessionID = r.sessionID
	task.Status = StatusPending
	task.CreatedAt = createdAt
	task.UpdatedAt = createdAt

	r.mu.Lock()
	if _, ok := r.tasks[task.ID]; ok {
		r.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	stored := task
	r.tasks[task.ID] = &stored
	if task.ParentID != "" {
		r.children[task.ParentID] = append(r.children[task.ParentID], task.ID)
	}
	r.mu.Unlock()

	r.changed(task)
	return task, nil
}

// Restore loads previously persisted tasks, replacing any with the same id.
func (r *Registry) Restore(list []Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range list {
		if task.ID == "" {
			continue
		}
		if _, exists := r.tasks[task.ID]; !exists && task.ParentID != "" {
			r.children[task.ParentID] = append(r.children[task.ParentID], task.ID)
		}
		stored := task
		stored.SessionID = r.sessionID
		r.tasks[task.ID] = &stored
	}
}

func (r *Registry) Get(taskID string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// List returns matching tasks, oldest first.
func (r *Registry) List(filter ListFilter) []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if filter.match(task) {
			out = append(out, *task)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (r *Registry) Count(filter ListFilter) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, task := range r.tasks {
		if filter.match(task) {
			n++
		}
	}
	return n
}

// Children returns the direct children of parentID in spawn order.
func (r *Registry) Children(parentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.children[parentID]...)
}

// Transition moves a task to status `to`, applying mutate to the stored
// record in the same critical section. Re-entering the terminal status a
// task already holds is a no-op: terminal records are never rewritten.
func (r *Registry) Transition(taskID string, to Status, mutate func(*Task)) (Task, error) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status == to && IsTerminalStatus(to) {
		out := *task
		r.mu.Unlock()
		return out, nil
	}
	if !canTransition(task.Status, to) {
		from := task.Status
		r.mu.Unlock()
		return Task{}, &StatusTransitionError{TaskID: taskID, From: from, To: to}
	}
	task.Status = to
	if mutate != nil {
		mutate(task)
	}
	task.UpdatedAt = r.now()
	out := *task
	r.mu.Unlock()

	r.changed(out)
	return out, nil
}

func (r *Registry) SetPriority(taskID string, priority int) (Task, error) {
	return r.mutate(taskID, func(t *Task) { t.Priority = priority })
}

func (r *Registry) SetProgress(taskID string, progress map[string]any) (Task, error) {
	return r.mutate(taskID, func(t *Task) { t.Progress = progress })
}

func (r *Registry) mutate(taskID string, fn func(*Task)) (Task, error) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	fn(task)
	task.UpdatedAt = r.now()
	out := *task
	r.mu.Unlock()

	r.changed(out)
	return out, nil
}

func (r *Registry) changed(task Task) {
	if r.onChange != nil {
		r.onChange(task)
	}
}
