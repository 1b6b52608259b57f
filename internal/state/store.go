package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/tasks"
)

const defaultUpdateLimit = 500

// UpdateQuery narrows ListUpdates. SinceID is exclusive; update ids sort in
// creation order.
type UpdateQuery struct {
	TaskID  string
	SinceID string
	Limit   int
}

// Store persists task, update and steering records in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveTask upserts the latest state of a task.
func (s *Store) SaveTask(ctx context.Context, task tasks.Task) error {
	snapshotJSON, err := encodeJSON(task.Snapshot)
	if err != nil {
		return fmt.Errorf("encode task snapshot: %w", err)
	}
	progressJSON, err := encodeJSON(task.Progress)
	if err != nil {
		return fmt.Errorf("encode task progress: %w", err)
	}
	resultJSON, err := encodeJSON(task.Result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	err = execWithRetry(ctx, s.db, `INSERT INTO tasks (session_id, id, parent_id, type, status, priority, trace_id, description, snapshot, progress, result, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, id) DO UPDATE SET
  status = excluded.status,
  priority = excluded.priority,
  progress = excluded.progress,
  result = excluded.result,
  error = excluded.error,
  updated_at = excluded.updated_at`,
		task.SessionID, task.ID, nullString(task.ParentID), string(task.Type), string(task.Status), task.Priority,
		nullString(task.TraceID), nullString(task.Description), nullString(snapshotJSON), nullString(progressJSON),
		nullString(resultJSON), nullString(task.Error), formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// ListTasks returns every stored task of a session, oldest first.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, type, status, priority, trace_id, description, snapshot, progress, result, error, created_at, updated_at
FROM tasks WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		var (
			task                                   tasks.Task
			parentID, traceID, description, errStr sql.NullString
			snapshotStr, progressStr, resultStr    sql.NullString
			typ, status                            string
			createdAtStr, updatedAtStr             string
		)
		if err := rows.Scan(&task.ID, &parentID, &typ, &status, &task.Priority, &traceID, &description,
			&snapshotStr, &progressStr, &resultStr, &errStr, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.SessionID = sessionID
		task.ParentID = parentID.String
		task.Type = tasks.Type(typ)
		task.Status = tasks.Status(status)
		task.TraceID = traceID.String
		task.Description = description.String
		task.Error = errStr.String
		if snapshotStr.String != "" {
			var snap agentcontext.Snapshot
			if err := json.Unmarshal([]byte(snapshotStr.String), &snap); err != nil {
				return nil, fmt.Errorf("decode snapshot for task %s: %w", task.ID, err)
			}
			task.Snapshot = snap
		}
		task.Progress = decodeJSONMap(progressStr.String)
		task.Result = decodeJSONValue(resultStr.String)
		task.CreatedAt = parseTime(createdAtStr)
		task.UpdatedAt = parseTime(updatedAtStr)
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// SaveUpdate appends a progress event. Saving the same update twice is a
// no-op.
func (s *Store) SaveUpdate(ctx context.Context, update eventbus.Update) error {
	contentJSON, err := encodeJSON(update.Content)
	if err != nil {
		return fmt.Errorf("encode update content: %w", err)
	}
	err = execWithRetry(ctx, s.db, `INSERT OR IGNORE INTO task_updates (id, session_id, task_id, trace_id, kind, content, step_index, total_steps, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		update.ID, update.SessionID, update.TaskID, nullString(update.TraceID), string(update.Type),
		nullString(contentJSON), nullInt(update.StepIndex), nullInt(update.TotalSteps), formatTime(update.CreatedAt))
	if err != nil {
		return fmt.Errorf("save update: %w", err)
	}
	return nil
}

// ListUpdates returns a session's updates in id order after q.SinceID.
func (s *Store) ListUpdates(ctx context.Context, sessionID string, q UpdateQuery) ([]eventbus.Update, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultUpdateLimit
	}
	query := `SELECT id, task_id, trace_id, kind, content, step_index, total_steps, created_at FROM task_updates WHERE session_id = ?`
	args := []any{sessionID}
	if q.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, q.TaskID)
	}
	if q.SinceID != "" {
		query += ` AND id > ?`
		args = append(args, q.SinceID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []eventbus.Update
	for rows.Next() {
		var (
			update               eventbus.Update
			traceID, contentStr  sql.NullString
			stepIndex, totalStep sql.NullInt64
			kind, createdAtStr   string
		)
		if err := rows.Scan(&update.ID, &update.TaskID, &traceID, &kind, &contentStr, &stepIndex, &totalStep, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		update.SessionID = sessionID
		update.TraceID = traceID.String
		update.Type = eventbus.UpdateType(kind)
		update.Content = decodeJSONMap(contentStr.String)
		if stepIndex.Valid {
			v := int(stepIndex.Int64)
			update.StepIndex = &v
		}
		if totalStep.Valid {
			v := int(totalStep.Int64)
			update.TotalSteps = &v
		}
		update.CreatedAt = parseTime(createdAtStr)
		out = append(out, update)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return out, nil
}

// SaveSteering records a steering event for audit.
func (s *Store) SaveSteering(ctx context.Context, ev steering.Event) error {
	payloadJSON, err := encodeJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode steering payload: %w", err)
	}
	err = execWithRetry(ctx, s.db, `INSERT OR IGNORE INTO steering_events (session_id, task_id, id, type, source, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.TaskID, ev.ID, string(ev.Type), nullString(ev.Source), nullString(payloadJSON), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("save steering event: %w", err)
	}
	return nil
}

// ListSteering returns the recorded steering events of a task, oldest first.
func (s *Store) ListSteering(ctx context.Context, sessionID, taskID string) ([]steering.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, source, payload, created_at FROM steering_events
WHERE session_id = ? AND task_id = ? ORDER BY created_at ASC, id ASC`, sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steering events: %w", err)
	}
	defer rows.Close()

	var out []steering.Event
	for rows.Next() {
		var (
			ev                 steering.Event
			source, payloadStr sql.NullString
			typ, createdAtStr  string
		)
		if err := rows.Scan(&ev.ID, &typ, &source, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan steering event: %w", err)
		}
		ev.SessionID = sessionID
		ev.TaskID = taskID
		ev.Type = steering.EventType(typ)
		ev.Source = source.String
		ev.Payload = decodeJSONMap(payloadStr.String)
		ev.CreatedAt = parseTime(createdAtStr)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steering events: %w", err)
	}
	return out, nil
}
