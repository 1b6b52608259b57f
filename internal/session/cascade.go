package session

import (
	"github.com/flitsinc/go-sessions/internal/idgen"
	"github.com/flitsinc/go-sessions/internal/schema"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

const parentCancelledReason = "parent_cancelled"

// cascadeCancel walks the task tree below rootID breadth first and cancels
// every descendant that propagates cancellation. An isolated child is a
// boundary: neither it nor anything below it is touched. Failing to reach
// one child never stops the walk.
func (s *Session) cascadeCancel(rootID string) {
	visited := map[string]struct{}{rootID: {}}
	queue := []string{rootID}
	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]
		for _, childID := range s.registry.Children(parentID) {
			if _, seen := visited[childID]; seen {
				continue
			}
			visited[childID] = struct{}{}

			child, ok := s.registry.Get(childID)
			if !ok || tasks.IsTerminalStatus(child.Status) {
				continue
			}
			if child.Snapshot.Isolated() {
				continue
			}

			if lt := s.liveTask(childID); lt != nil {
				ev := steering.Event{
					SessionID: s.id,
					TaskID:    childID,
					Type:      steering.EventCancel,
					ID:        idgen.New(),
					Source:    steering.SourceSystem,
					Payload: map[string]any{
						schema.KeyReason: parentCancelledReason,
						"parent_task_id": parentID,
					},
					CreatedAt: s.now().UTC(),
				}
				if !lt.inbox.Push(ev) {
					s.logger.Debug("cascade cancel: inbox full", "task_id", childID)
				}
				s.saveSteering(ev)
			}
			s.cancelOne(childID, parentCancelledReason, parentCancelledReason)
			queue = append(queue, childID)
		}
	}
}
