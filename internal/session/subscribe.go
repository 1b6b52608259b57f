package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/state"
)

// Subscribe streams updates matching opts until ctx ends or the session
// closes. With a SinceID, stored history newer than it is sent first; live
// updates already covered by the replay are skipped.
func (s *Session) Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan eventbus.Update, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	filter := eventbus.Filter{TaskIDs: opts.TaskIDs, Types: opts.Types}
	sub := s.broker.Subscribe(filter)

	var history []eventbus.Update
	if opts.SinceID != "" {
		var err error
		history, err = s.replay(ctx, filter, opts.SinceID)
		if err != nil {
			sub.Close()
			return nil, err
		}
	}

	out := make(chan eventbus.Update)
	go func() {
		defer close(out)
		defer sub.Close()
		lastReplayed := ""
		for _, u := range history {
			select {
			case out <- u:
				lastReplayed = u.ID
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-sub.Updates():
				if !ok {
					return
				}
				if lastReplayed != "" && u.ID <= lastReplayed {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// replayPageSize bounds each store read while replaying history.
const replayPageSize = 500

// replay reads every stored update after sinceID that matches filter, one
// page at a time.
func (s *Session) replay(ctx context.Context, filter eventbus.Filter, sinceID string) ([]eventbus.Update, error) {
	q := state.UpdateQuery{SinceID: sinceID, Limit: replayPageSize}
	if len(filter.TaskIDs) == 1 {
		q.TaskID = filter.TaskIDs[0]
	}
	var history []eventbus.Update
	for {
		page, err := s.store.ListUpdates(ctx, s.id, q)
		if err != nil {
			return nil, fmt.Errorf("replay updates: %w", err)
		}
		for _, u := range page {
			if matchesFilter(filter, u) {
				history = append(history, u)
			}
		}
		if len(page) < replayPageSize {
			return history, nil
		}
		q.SinceID = page[len(page)-1].ID
	}
}

func matchesFilter(f eventbus.Filter, u eventbus.Update) bool {
	if len(f.TaskIDs) > 0 && !slices.Contains(f.TaskIDs, u.TaskID) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, u.Type) {
		return false
	}
	return true
}
