package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/aristath/dreammaker/internal/events"
	"github.com/aristath/dreammaker/internal/metrics"
	"github.com/aristath/dreammaker/internal/quota"
)

// Request defaults and limits.
const (
	DefaultWidth  = 1024
	DefaultHeight = 1024
	DefaultSteps  = 4
	MaxSteps      = 50
	MaxPromptLen  = 2000
)

// ErrInvalidRequest is returned for malformed generation requests.
var ErrInvalidRequest = errors.New("invalid generation request")

// EnqueueRequest asks for one image. Zero dimensions and steps take defaults.
type EnqueueRequest struct {
	OwnerID int64
	Prompt  string
	Width   int
	Height  int
	Steps   int
}

// EnqueueResult identifies the owner's in-flight task.
type EnqueueResult struct {
	TaskID  int64 `json:"task_id"`
	Created bool  `json:"created"` // False when an existing active task was returned
}

func (r *EnqueueRequest) normalize() error {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.OwnerID <= 0 {
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	if len(r.Prompt) > MaxPromptLen {
		return fmt.Errorf("%w: prompt exceeds %d characters", ErrInvalidRequest, MaxPromptLen)
	}

	if r.Width == 0 {
		r.Width = DefaultWidth
	}
	if r.Height == 0 {
		r.Height = DefaultHeight
	}
	if r.Steps == 0 {
		r.Steps = DefaultSteps
	}
	if r.Width < 0 || r.Height < 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidRequest)
	}
	if r.Steps < 0 || r.Steps > MaxSteps {
		return fmt.Errorf("%w: steps must be between 1 and %d", ErrInvalidRequest, MaxSteps)
	}
	return nil
}

// Enqueue admits a generation request. If the owner already has a pending or
// processing task its id is returned instead of creating a second one; the
// governor is consulted only when a new task would be created.
// Admission denials are returned as *quota.DeniedError.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if err := req.normalize(); err != nil {
		return EnqueueResult{}, err
	}

	s.owners.Lock(req.OwnerID)
	defer s.owners.Unlock(req.OwnerID)

	active, err := s.store.ActiveTask(ctx, req.OwnerID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if active != nil {
		log.WithFields(log.Fields{"task_id": active.ID, "owner_id": req.OwnerID, "status": active.Status}).
			Info("owner already has an active task")
		return EnqueueResult{TaskID: active.ID}, nil
	}

	if err := s.governor.Admit(ctx, req.OwnerID); err != nil {
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			metrics.AdmissionRejected(reasonLabel(denied.Reason))
		}
		return EnqueueResult{}, err
	}

	plan, err := s.governor.PlanFor(ctx, req.OwnerID)
	if err != nil {
		return EnqueueResult{}, err
	}

	task := &Task{
		OwnerID:  req.OwnerID,
		Prompt:   req.Prompt,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		Status:   TaskPending,
		Priority: plan.Priority,
		QueuedAt: s.Now(),
	}
	id, created, err := s.store.EnqueueTask(ctx, task)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to enqueue task: %w", err)
	}

	logger := log.WithFields(log.Fields{"task_id": id, "owner_id": req.OwnerID})
	if !created {
		logger.Info("owner already has an active task")
		return EnqueueResult{TaskID: id}, nil
	}

	s.signal()
	metrics.TaskEnqueued(plan.ID)
	logger.WithFields(log.Fields{"plan": plan.ID, "priority": plan.Priority}).Info("task queued")
	s.bus.Publish(events.TaskQueuedEvent{
		ID:        id,
		OwnerID:   req.OwnerID,
		Plan:      plan.ID,
		Priority:  plan.Priority,
		Timestamp: task.QueuedAt,
	})
	return EnqueueResult{TaskID: id, Created: true}, nil
}

func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, quota.ErrInsufficientTokens):
		return "insufficient_tokens"
	case errors.Is(reason, quota.ErrDailyLimit):
		return "daily_limit"
	case errors.Is(reason, quota.ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}
