package scheduler

import (
	"context"
	"fmt"
	"time"
)

// StatusSnapshot is what a client polling a task sees.
type StatusSnapshot struct {
	TaskID        int64         `json:"task_id"`
	Status        TaskStatus    `json:"status"`
	Position      int           `json:"position"`       // 1-based; zero unless pending
	EstimatedWait time.Duration `json:"estimated_wait"` // Zero for terminal tasks
	ResultPath    string        `json:"result_path,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	QueuedAt      time.Time     `json:"queued_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`

	OwnerID int64 `json:"-"`
}

// Status reports a task's progress. Unknown ids return ErrTaskNotFound.
//
// A pending task's estimated wait is (position-1) x queue_wait + generation_wait
// of the owner's plan; a processing task waits generation_wait.
func (s *Scheduler) Status(ctx context.Context, taskID int64) (StatusSnapshot, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return StatusSnapshot{}, err
	}

	snap := StatusSnapshot{
		TaskID:       task.ID,
		OwnerID:      task.OwnerID,
		Status:       task.Status,
		ResultPath:   task.ResultPath,
		ErrorMessage: task.ErrorMessage,
		QueuedAt:     task.QueuedAt,
		StartedAt:    timePtr(task.StartedAt),
		CompletedAt:  timePtr(task.CompletedAt),
	}
	if task.Status.IsTerminal() {
		return snap, nil
	}

	plan, err := s.governor.PlanFor(ctx, task.OwnerID)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("failed to resolve plan for task %d: %w", taskID, err)
	}

	switch task.Status {
	case TaskPending:
		pos, err := s.store.QueuePosition(ctx, task)
		if err != nil {
			return StatusSnapshot{}, err
		}
		snap.Position = pos
		snap.EstimatedWait = time.Duration(pos-1)*plan.QueueWait + plan.GenerationWait
	case TaskProcessing:
		snap.EstimatedWait = plan.GenerationWait
	}
	return snap, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
