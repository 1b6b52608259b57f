package steering

import (
	"context"
	"sync"
)

const DefaultInboxSize = 32

// Inbox is a task's bounded steering mailbox. Push never blocks; the
// pipeline drains it with C or Next.
type Inbox struct {
	ch chan Event

	mu     sync.RWMutex
	closed bool
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{ch: make(chan Event, size)}
}

// Push enqueues ev, returning false when the inbox is full or closed.
func (i *Inbox) Push(ev Event) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return false
	}
	select {
	case i.ch <- ev:
		return true
	default:
		return false
	}
}

// C exposes the mailbox for select loops. It is closed by Close.
func (i *Inbox) C() <-chan Event {
	return i.ch
}

// Next waits for the next event. ok is false once the inbox is closed and
// drained.
func (i *Inbox) Next(ctx context.Context) (Event, bool, error) {
	select {
	case ev, ok := <-i.ch:
		return ev, ok, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

func (i *Inbox) Len() int {
	return len(i.ch)
}

func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	close(i.ch)
}
