package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aristath/dreammaker/internal/scheduler"
)

const taskColumns = `id, owner_id, prompt, width, height, steps, status, priority,
	queued_at, started_at, completed_at, result_path, error_message`

// taskRow is the storage shape of scheduler.Task.
type taskRow struct {
	ID           int64          `db:"id"`
	OwnerID      int64          `db:"owner_id"`
	Prompt       string         `db:"prompt"`
	Width        int            `db:"width"`
	Height       int            `db:"height"`
	Steps        int            `db:"steps"`
	Status       string         `db:"status"`
	Priority     int            `db:"priority"`
	QueuedAt     int64          `db:"queued_at"`
	StartedAt    sql.NullInt64  `db:"started_at"`
	CompletedAt  sql.NullInt64  `db:"completed_at"`
	ResultPath   sql.NullString `db:"result_path"`
	ErrorMessage sql.NullString `db:"error_message"`
}

func (r taskRow) toTask() *scheduler.Task {
	return &scheduler.Task{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Prompt:       r.Prompt,
		Width:        r.Width,
		Height:       r.Height,
		Steps:        r.Steps,
		Status:       scheduler.TaskStatus(r.Status),
		Priority:     r.Priority,
		QueuedAt:     time.Unix(0, r.QueuedAt),
		StartedAt:    fromNanos(r.StartedAt),
		CompletedAt:  fromNanos(r.CompletedAt),
		ResultPath:   r.ResultPath.String,
		ErrorMessage: r.ErrorMessage.String,
	}
}

// EnqueueTask inserts task as pending unless its owner already has a pending or
// processing task, in which case that task's id is returned with created=false.
// The check and insert share one transaction.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, task *scheduler.Task) (int64, bool, error) {
	var (
		id      int64
		created bool
	)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id, `
			SELECT id FROM tasks
			WHERE owner_id = ? AND status IN ('pending', 'processing')
			ORDER BY id LIMIT 1
		`, task.OwnerID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query active task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (owner_id, prompt, width, height, steps, status, priority, queued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, task.OwnerID, task.Prompt, task.Width, task.Height, task.Steps,
			string(scheduler.TaskPending), task.Priority, task.QueuedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read task id: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID int64) (*scheduler.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, scheduler.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return row.toTask(), nil
}

// ActiveTask returns the owner's pending or processing task, or nil when the
// owner has none.
func (s *SQLiteStore) ActiveTask(ctx context.Context, ownerID int64) (*scheduler.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks
		WHERE owner_id = ? AND status IN ('pending', 'processing')
		ORDER BY id LIMIT 1
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active task: %w", err)
	}
	return row.toTask(), nil
}

// NextPending returns the pending task to serve next: highest priority, then
// earliest queued_at, then lowest id. Returns nil when the queue is empty.
func (s *SQLiteStore) NextPending(ctx context.Context) (*scheduler.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending'
		ORDER BY priority DESC, queued_at ASC, id ASC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query next pending task: %w", err)
	}
	return row.toTask(), nil
}

// MarkProcessing moves a pending task to processing and stamps started_at.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, taskID int64, at time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'processing', started_at = ?
			WHERE id = ? AND status = 'pending'
		`, at.UnixNano(), taskID)
		if err != nil {
			return fmt.Errorf("failed to mark task processing: %w", err)
		}
		return checkTransition(ctx, tx, res, taskID)
	})
}

// MarkFailed moves a pending or processing task to failed with msg and stamps completed_at.
func (s *SQLiteStore) MarkFailed(ctx context.Context, taskID int64, msg string, at time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', error_message = ?, completed_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')
		`, msg, at.UnixNano(), taskID)
		if err != nil {
			return fmt.Errorf("failed to mark task failed: %w", err)
		}
		return checkTransition(ctx, tx, res, taskID)
	})
}

// CompleteGeneration records a successful generation in one transaction: the task
// becomes completed, the image row is inserted, the owner is debited the token cost
// and one image of today's allowance.
func (s *SQLiteStore) CompleteGeneration(ctx context.Context, c scheduler.Completion) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', result_path = ?, completed_at = ?
			WHERE id = ? AND status = 'processing'
		`, c.ResultPath, c.CompletedAt.UnixNano(), c.TaskID)
		if err != nil {
			return fmt.Errorf("failed to mark task completed: %w", err)
		}
		if err := checkTransition(ctx, tx, res, c.TaskID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO images (user_id, task_id, prompt, translated_prompt, file_path, width, height, tokens_used, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.OwnerID, c.TaskID, c.Prompt, c.TranslatedPrompt, c.ResultPath, c.Width, c.Height, c.TokenCost, c.CompletedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert image: %w", err)
		}

		// A completion after midnight charges the new day's allowance
		res, err = tx.ExecContext(ctx, `
			UPDATE users
			SET token_balance = token_balance - ?,
				remaining_images = CASE WHEN last_reset_date = ? THEN remaining_images ELSE ? END - 1,
				last_reset_date = ?
			WHERE id = ?
		`, c.TokenCost, c.Day, c.DailyImages, c.Day, c.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to debit user: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("user %d: %w", c.OwnerID, ErrUserNotFound)
		}
		return nil
	})
}

// checkTransition turns a zero-row guarded update into ErrTaskNotFound or
// ErrInvalidTransition.
func checkTransition(ctx context.Context, tx *sqlx.Tx, res sql.Result, taskID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = tx.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", taskID, scheduler.ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query task status: %w", err)
	}
	return fmt.Errorf("task %d is %s: %w", taskID, status, scheduler.ErrInvalidTransition)
}

// QueuePosition returns the 1-based position of a pending task: the number of
// pending tasks that would be served before it, plus one.
func (s *SQLiteStore) QueuePosition(ctx context.Context, task *scheduler.Task) (int, error) {
	queuedAt := task.QueuedAt.UnixNano()
	var ahead int
	err := s.db.GetContext(ctx, &ahead, `
		SELECT COUNT(*) FROM tasks
		WHERE status = 'pending' AND id != ?
		  AND (priority > ?
		       OR (priority = ? AND (queued_at < ? OR (queued_at = ? AND id < ?))))
	`, task.ID, task.Priority, task.Priority, queuedAt, queuedAt, task.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks ahead: %w", err)
	}
	return ahead + 1, nil
}

// FailStaleProcessing fails every task left in processing, returning how many changed.
func (s *SQLiteStore) FailStaleProcessing(ctx context.Context, msg string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error_message = ?, completed_at = ?
		WHERE status = 'processing'
	`, msg, at.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep processing tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of tasks in each status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[scheduler.TaskStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := map[scheduler.TaskStatus]int{
		scheduler.TaskPending:    0,
		scheduler.TaskProcessing: 0,
		scheduler.TaskCompleted:  0,
		scheduler.TaskFailed:     0,
	}
	for _, r := range rows {
		counts[scheduler.TaskStatus(r.Status)] = r.N
	}
	return counts, nil
}

// ListRecentTasks returns up to limit tasks, newest first.
func (s *SQLiteStore) ListRecentTasks(ctx context.Context, limit int) ([]*scheduler.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return toTasks(rows), nil
}

func toTasks(rows []taskRow) []*scheduler.Task {
	tasks := make([]*scheduler.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks
}
