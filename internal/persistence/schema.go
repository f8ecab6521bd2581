package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL,
		token_balance REAL NOT NULL DEFAULT 0,
		remaining_images INTEGER NOT NULL DEFAULT 0,
		last_reset_date TEXT NOT NULL DEFAULT '',
		last_generation_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		priority INTEGER NOT NULL,
		queued_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		result_path TEXT,
		error_message TEXT,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);

	-- Dequeue order
	CREATE INDEX IF NOT EXISTS idx_tasks_dequeue
		ON tasks(status, priority DESC, queued_at, id);

	-- At most one pending or processing task per owner
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active
		ON tasks(owner_id) WHERE status IN ('pending', 'processing');

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		task_id INTEGER NOT NULL UNIQUE,
		prompt TEXT NOT NULL,
		translated_prompt TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		tokens_used REAL NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_images_user_created
		ON images(user_id, created_at DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
