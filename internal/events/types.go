package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() int64 // Zero for events not about one task
}

// Topic constants
const (
	TopicTask      = "task"
	TopicQueue     = "queue"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeTaskQueued     = "task.queued"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeQueueProgress  = "queue.progress"
	EventTypeSchedulerState = "scheduler.state"
)

// TaskQueuedEvent is published when a new task enters the queue.
type TaskQueuedEvent struct {
	ID        int64
	OwnerID   int64
	Plan      string
	Priority  int
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) Topic() string     { return TopicTask }
func (e TaskQueuedEvent) TaskID() int64     { return e.ID }

// TaskStartedEvent is published when the scheduler dequeues a task.
type TaskStartedEvent struct {
	ID        int64
	OwnerID   int64
	Prompt    string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() int64     { return e.ID }

// TaskCompletedEvent is published when a task's image has been saved.
type TaskCompletedEvent struct {
	ID         int64
	OwnerID    int64
	ResultPath string
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() int64     { return e.ID }

// TaskFailedEvent is published when a task reaches the failed state.
type TaskFailedEvent struct {
	ID        int64
	OwnerID   int64
	Reason    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() int64     { return e.ID }

// QueueProgressEvent carries task counts per status.
type QueueProgressEvent struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Timestamp  time.Time
}

func (e QueueProgressEvent) EventType() string { return EventTypeQueueProgress }
func (e QueueProgressEvent) Topic() string     { return TopicQueue }
func (e QueueProgressEvent) TaskID() int64     { return 0 }

// SchedulerStateEvent is published on every scheduler lifecycle transition.
type SchedulerStateEvent struct {
	State     string
	Restarts  int
	Err       error // Set when entering recovery
	Timestamp time.Time
}

func (e SchedulerStateEvent) EventType() string { return EventTypeSchedulerState }
func (e SchedulerStateEvent) Topic() string     { return TopicScheduler }
func (e SchedulerStateEvent) TaskID() int64     { return 0 }
