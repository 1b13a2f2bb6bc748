package sqlite

const schema = `
-- Tasks table: last known state of every submitted task
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    service_class TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    app TEXT NOT NULL DEFAULT '',
    tools TEXT NOT NULL DEFAULT '[]',
    task_kind TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
    endpoint TEXT NOT NULL DEFAULT '',
    shared_from TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    stuck_retries INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    result TEXT,
    submitted_at DATETIME NOT NULL,
    started_at DATETIME,
    finished_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_service_class ON tasks(service_class);
CREATE INDEX IF NOT EXISTS idx_tasks_submitted_at ON tasks(submitted_at);

-- Task events table: lifecycle and endpoint events
CREATE TABLE IF NOT EXISTS task_events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    task_id TEXT NOT NULL DEFAULT '',
    service_class TEXT NOT NULL DEFAULT '',
    endpoint TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL CHECK(severity IN ('info', 'warning', 'error', 'critical')),
    message TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
CREATE INDEX IF NOT EXISTS idx_task_events_timestamp ON task_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_task_events_type ON task_events(type);
CREATE INDEX IF NOT EXISTS idx_task_events_severity ON task_events(severity);
`
