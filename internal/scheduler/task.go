package scheduler

import (
	"errors"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"    // Queued, waiting for the loop
	TaskProcessing TaskStatus = "processing" // Dequeued, generation in progress
	TaskCompleted  TaskStatus = "completed"  // Image saved
	TaskFailed     TaskStatus = "failed"     // Terminal failure, never retried
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsActive reports whether the task still occupies its owner's single queue slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskPending || s == TaskProcessing
}

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change would move a task backwards
	// or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Task is one queued image generation request.
// Zero times mean the corresponding stage has not been reached.
type Task struct {
	ID           int64
	OwnerID      int64
	Prompt       string
	Width        int
	Height       int
	Steps        int
	Status       TaskStatus
	Priority     int // Fixed at enqueue from the owner's plan; higher is served first
	QueuedAt     time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	ResultPath   string
	ErrorMessage string
}

// Completion carries everything persisted when a generation succeeds.
type Completion struct {
	TaskID           int64
	OwnerID          int64
	Prompt           string
	TranslatedPrompt string
	ResultPath       string
	Width            int
	Height           int
	TokenCost        float64
	CompletedAt      time.Time

	// Day is CompletedAt's calendar date under the quota rules. An owner whose
	// last reset is older gets DailyImages restored before the decrement.
	Day         string
	DailyImages int
}
