package state

// schemaVersion is stored in PRAGMA user_version once schemaSQL is applied.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  session_id TEXT NOT NULL,
  id TEXT NOT NULL,
  parent_id TEXT,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  trace_id TEXT,
  description TEXT,
  snapshot TEXT,
  progress TEXT,
  result TEXT,
  error TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_session_created ON tasks(session_id, created_at);

CREATE TABLE IF NOT EXISTS task_updates (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  trace_id TEXT,
  kind TEXT NOT NULL,
  content TEXT,
  step_index INTEGER,
  total_steps INTEGER,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_updates_session_id ON task_updates(session_id, id);
CREATE INDEX IF NOT EXISTS idx_task_updates_task_id ON task_updates(session_id, task_id, id);

CREATE TABLE IF NOT EXISTS steering_events (
  session_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  id TEXT NOT NULL,
  type TEXT NOT NULL,
  source TEXT,
  payload TEXT,
  created_at TEXT NOT NULL,
  PRIMARY KEY (session_id, task_id, id)
);
`
