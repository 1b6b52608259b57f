package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const persistTimeout = 5 * time.Second

type persistJob struct {
	kind string
	run  func(ctx context.Context) error
}

// persister writes records in submission order on a single goroutine.
// submit never blocks: when the queue is full the job is dropped and
// logged.
type persister struct {
	logger *slog.Logger
	jobs   chan persistJob
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newPersister(size int, logger *slog.Logger) *persister {
	p := &persister{
		logger: logger,
		jobs:   make(chan persistJob, size),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.done)
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := job.run(ctx); err != nil {
			p.logger.Warn("persist failed", "kind", job.kind, "error", err)
		}
		cancel()
	}
}

func (p *persister) submit(kind string, fn func(ctx context.Context) error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.jobs <- persistJob{kind: kind, run: fn}:
	default:
		p.logger.Warn("persist queue full, dropping write", "kind", kind)
	}
}

// close stops intake and waits for queued writes to drain.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
