package steering

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultDedupTasks  = 1024
	DefaultDedupWindow = 256
)

// Deduper remembers recently seen event ids per task. Both the set of
// tracked tasks and each task's window are bounded LRUs.
type Deduper struct {
	window int

	mu    sync.Mutex
	tasks *lru.Cache[string, *lru.Cache[string, struct{}]]
}

func NewDeduper(maxTasks, window int) (*Deduper, error) {
	if maxTasks <= 0 {
		maxTasks = DefaultDedupTasks
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	tasks, err := lru.New[string, *lru.Cache[string, struct{}]](maxTasks)
	if err != nil {
		return nil, fmt.Errorf("steering deduper init: %w", err)
	}
	return &Deduper{window: window, tasks: tasks}, nil
}

// Seen records eventID for taskID and reports whether it was already in the
// window. Empty event ids are never treated as duplicates.
func (d *Deduper) Seen(taskID, eventID string) bool {
	if eventID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	window, ok := d.tasks.Get(taskID)
	if !ok {
		// lru.New only errors on non-positive size which NewDeduper guards.
		window, _ = lru.New[string, struct{}](d.window)
		d.tasks.Add(taskID, window)
	}
	if window.Contains(eventID) {
		return true
	}
	window.Add(eventID, struct{}{})
	return false
}

// Forget drops a task's window.
func (d *Deduper) Forget(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks.Remove(taskID)
}
