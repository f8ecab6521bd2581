// Package scheduler runs the generation queue: one background loop that
// dequeues tasks by plan priority and age, paces work across owners, and
// drives each task to a terminal status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/aristath/dreammaker/internal/backend"
	"github.com/aristath/dreammaker/internal/events"
	"github.com/aristath/dreammaker/internal/metrics"
	"github.com/aristath/dreammaker/internal/plans"
	"github.com/aristath/dreammaker/internal/quota"
)

// Failure messages recorded on tasks.
const (
	ineligiblePrefix  = "Cannot generate image: "
	generationPrefix  = "Image generation failed: "
	interruptedReason = "interrupted: scheduler stopped while processing"
)

// State is the scheduler's lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StateRecovering State = "recovering" // Loop failed; waiting to restart
)

// TaskStore persists tasks. The scheduler is the only caller of the status
// transition methods.
type TaskStore interface {
	EnqueueTask(ctx context.Context, task *Task) (id int64, created bool, err error)
	GetTask(ctx context.Context, taskID int64) (*Task, error)
	ActiveTask(ctx context.Context, ownerID int64) (*Task, error)
	NextPending(ctx context.Context) (*Task, error)
	MarkProcessing(ctx context.Context, taskID int64, at time.Time) error
	MarkFailed(ctx context.Context, taskID int64, msg string, at time.Time) error
	CompleteGeneration(ctx context.Context, c Completion) error
	QueuePosition(ctx context.Context, task *Task) (int, error)
	FailStaleProcessing(ctx context.Context, msg string, at time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)
}

// Governor decides whether an owner may generate right now.
type Governor interface {
	// Admit checks eligibility without stamping the spacing baseline.
	Admit(ctx context.Context, userID int64) error
	// Reserve checks eligibility and stamps the spacing baseline on success.
	Reserve(ctx context.Context, userID int64) error
	PlanFor(ctx context.Context, userID int64) (plans.Plan, error)
}

// Generator produces images.
type Generator interface {
	Generate(ctx context.Context, req backend.Request) (backend.Image, error)
	Name() string
}

// Translator translates prompts. Failures are tolerated.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// ResultWriter stores a generated image and returns its path.
type ResultWriter interface {
	Save(ctx context.Context, img backend.Image) (string, error)
}

// Config tunes the loop.
type Config struct {
	PollInterval time.Duration // Idle wait when the queue is empty
	RestartDelay time.Duration // Wait before restarting a failed loop
	Quota        quota.Rules   // Image cost and daily allowance charged on completion
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Store      TaskStore
	Governor   Governor
	Generator  Generator
	Translator Translator // Optional
	Writer     ResultWriter
	Bus        *events.EventBus // Optional
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	State           State     `json:"state"`
	CurrentTaskID   int64     `json:"current_task_id,omitempty"`
	Processed       int64     `json:"processed"`
	Restarts        int64     `json:"restarts"`
	LastOwnerID     int64     `json:"last_owner_id,omitempty"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	EnqueuesActive  int       `json:"enqueues_active"` // Owners with an Enqueue call in progress
}

// Scheduler is the single consumer of the pending task backlog.
// Construct exactly one per process and share it.
type Scheduler struct {
	cfg        Config
	store      TaskStore
	governor   Governor
	generator  Generator
	translator Translator
	writer     ResultWriter
	bus        *events.EventBus
	owners     *OwnerLocks

	wake chan struct{}

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	state     atomic.Value // State
	current   atomic.Int64
	processed atomic.Int64
	restarts  atomic.Int64

	// Pacing bookkeeping, touched only by the loop goroutine and Stats.
	mu           sync.Mutex
	lastOwner    int64
	lastFinished time.Time

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// New creates a stopped scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil || deps.Governor == nil || deps.Generator == nil || deps.Writer == nil {
		return nil, errors.New("scheduler requires a store, governor, generator and result writer")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}

	s := &Scheduler{
		cfg:        cfg,
		store:      deps.Store,
		governor:   deps.Governor,
		generator:  deps.Generator,
		translator: deps.Translator,
		writer:     deps.Writer,
		bus:        deps.Bus,
		owners:     NewOwnerLocks(),
		wake:       make(chan struct{}, 1),
		Now:        time.Now,
	}
	s.state.Store(StateStopped)
	return s, nil
}

// Start launches the loop. It is a no-op while the loop is running or recovering.
// The loop stops when Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setState(StateRunning, nil)

	log.WithField("poll_interval", s.cfg.PollInterval).Info("scheduler started")
	go s.supervise(runCtx, s.done)
}

// Stop cancels the loop's current suspension point and waits for it to exit.
// A task being generated at that moment stays processing until the next start.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("scheduler stopped")
}

// Stats returns the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	lastOwner, lastFinished := s.lastOwner, s.lastFinished
	s.mu.Unlock()

	return Stats{
		State:           s.State(),
		CurrentTaskID:   s.current.Load(),
		Processed:       s.processed.Load(),
		Restarts:        s.restarts.Load(),
		LastOwnerID:     lastOwner,
		LastProcessedAt: lastFinished,
		EnqueuesActive:  s.owners.Len(),
	}
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	return s.state.Load().(State)
}

func (s *Scheduler) setState(state State, err error) {
	s.state.Store(state)
	metrics.SetSchedulerState(string(state))
	s.bus.Publish(events.SchedulerStateEvent{
		State:     string(state),
		Restarts:  int(s.restarts.Load()),
		Err:       err,
		Timestamp: s.Now(),
	})
}

// supervise runs the loop, restarting it after a fixed delay whenever it fails.
func (s *Scheduler) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateStopped, nil)

	delay := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.RestartDelay), ctx)
	for {
		err := s.runSafely(ctx)
		if ctx.Err() != nil {
			return
		}

		s.restarts.Add(1)
		metrics.SchedulerRestarted()
		s.setState(StateRecovering, err)

		wait := delay.NextBackOff()
		log.WithError(err).WithFields(log.Fields{
			"restarts": s.restarts.Load(),
			"delay":    wait,
		}).Error("scheduler loop failed, restarting")
		if wait == backoff.Stop {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.setState(StateRunning, nil)
	}
}

// runSafely runs the loop, converting a panic into an error.
func (s *Scheduler) runSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler loop panicked: %v", r)
		}
	}()
	return s.run(ctx)
}

// run is the main loop. It returns nil when ctx is cancelled and an error for
// infrastructure failures.
func (s *Scheduler) run(ctx context.Context) error {
	if err := s.sweep(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		task, err := s.store.NextPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch next task: %w", err)
		}
		if task == nil {
			s.idle(ctx)
			continue
		}

		plan, err := s.governor.PlanFor(ctx, task.OwnerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to resolve plan for task %d: %w", task.ID, err)
		}

		// Re-select after pacing: a more urgent task may have arrived meanwhile.
		if wait := s.pacing(task.OwnerID, plan); wait > 0 {
			log.WithFields(log.Fields{
				"task_id":  task.ID,
				"owner_id": task.OwnerID,
				"wait":     wait,
			}).Debug("pacing before switching owner")
			s.sleep(ctx, wait)
			continue
		}

		if err := s.process(ctx, task); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.reportProgress(ctx)
	}
}

// sweep fails tasks left processing by a previous run. Requeueing them would
// let a task re-enter pending.
func (s *Scheduler) sweep(ctx context.Context) error {
	n, err := s.store.FailStaleProcessing(ctx, interruptedReason, s.Now())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to sweep interrupted tasks: %w", err)
	}
	if n > 0 {
		log.WithField("count", n).Warn("failed tasks interrupted by a previous stop")
		for i := int64(0); i < n; i++ {
			metrics.TaskFinished(string(TaskFailed))
		}
	}
	return nil
}

// idle waits for the poll interval or an enqueue wake-up.
func (s *Scheduler) idle(ctx context.Context) {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.wake:
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// signal wakes an idle loop. Never blocks.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pacing returns how long to wait before serving ownerID. Only a switch to a
// different owner is throttled, by the new owner's queue wait.
func (s *Scheduler) pacing(ownerID int64, plan plans.Plan) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastOwner == 0 || s.lastOwner == ownerID {
		return 0
	}
	if elapsed := s.Now().Sub(s.lastFinished); elapsed < plan.QueueWait {
		return plan.QueueWait - elapsed
	}
	return 0
}

// process drives one task to a terminal status. Task-level failures are
// recorded on the task; only storage failures are returned.
func (s *Scheduler) process(ctx context.Context, task *Task) error {
	startedAt := s.Now()
	if err := s.store.MarkProcessing(ctx, task.ID, startedAt); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.WithField("task_id", task.ID).Warn("task left pending before it could start")
			return nil
		}
		return fmt.Errorf("failed to start task %d: %w", task.ID, err)
	}

	s.current.Store(task.ID)
	defer s.current.Store(0)
	defer s.finish(task.OwnerID)

	logger := log.WithFields(log.Fields{"task_id": task.ID, "owner_id": task.OwnerID})
	logger.Info("processing task")
	s.bus.Publish(events.TaskStartedEvent{
		ID:        task.ID,
		OwnerID:   task.OwnerID,
		Prompt:    task.Prompt,
		Timestamp: startedAt,
	})

	if err := s.governor.Reserve(ctx, task.OwnerID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			return s.fail(ctx, task, startedAt, ineligiblePrefix+denied.Message)
		}
		return s.fail(ctx, task, startedAt, generationPrefix+err.Error())
	}

	prompt := s.translate(ctx, task)

	genStart := time.Now()
	img, err := s.generator.Generate(ctx, backend.Request{
		Prompt: prompt,
		Width:  task.Width,
		Height: task.Height,
		Steps:  task.Steps,
	})
	metrics.ObserveGeneration(s.generator.Name(), time.Since(genStart), err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(ctx, task, startedAt, generationPrefix+err.Error())
	}

	path, err := s.writer.Save(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(ctx, task, startedAt, generationPrefix+err.Error())
	}

	completedAt := s.Now()
	err = s.store.CompleteGeneration(ctx, Completion{
		TaskID:           task.ID,
		OwnerID:          task.OwnerID,
		Prompt:           task.Prompt,
		TranslatedPrompt: prompt,
		ResultPath:       path,
		Width:            task.Width,
		Height:           task.Height,
		TokenCost:        s.cfg.Quota.ImageCost,
		CompletedAt:      completedAt,
		Day:              s.cfg.Quota.Today(completedAt),
		DailyImages:      s.cfg.Quota.DailyImages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(ctx, task, startedAt, generationPrefix+err.Error())
	}

	metrics.TaskFinished(string(TaskCompleted))
	logger.WithFields(log.Fields{
		"path":     path,
		"duration": completedAt.Sub(startedAt),
	}).Info("task completed")
	s.bus.Publish(events.TaskCompletedEvent{
		ID:         task.ID,
		OwnerID:    task.OwnerID,
		ResultPath: path,
		Duration:   completedAt.Sub(startedAt),
		Timestamp:  completedAt,
	})
	return nil
}

// translate returns the prompt to send to the generator, falling back to the
// original on any translator error.
func (s *Scheduler) translate(ctx context.Context, task *Task) string {
	if s.translator == nil {
		return task.Prompt
	}
	translated, err := s.translator.Translate(ctx, task.Prompt)
	if err != nil || translated == "" {
		log.WithError(err).WithField("task_id", task.ID).Warn("prompt translation failed, using original")
		return task.Prompt
	}
	return translated
}

// fail records a terminal failure on the task.
func (s *Scheduler) fail(ctx context.Context, task *Task, startedAt time.Time, msg string) error {
	at := s.Now()
	if err := s.store.MarkFailed(ctx, task.ID, msg, at); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.WithField("task_id", task.ID).Warn("task already terminal, failure not recorded")
			return nil
		}
		return fmt.Errorf("failed to record failure of task %d: %w", task.ID, err)
	}

	metrics.TaskFinished(string(TaskFailed))
	log.WithFields(log.Fields{
		"task_id":  task.ID,
		"owner_id": task.OwnerID,
		"reason":   msg,
	}).Warn("task failed")
	s.bus.Publish(events.TaskFailedEvent{
		ID:        task.ID,
		OwnerID:   task.OwnerID,
		Reason:    msg,
		Duration:  at.Sub(startedAt),
		Timestamp: at,
	})
	return nil
}

// finish records pacing bookkeeping after a task leaves the loop.
func (s *Scheduler) finish(ownerID int64) {
	s.mu.Lock()
	s.lastOwner = ownerID
	s.lastFinished = s.Now()
	s.mu.Unlock()
	s.processed.Add(1)
}

// reportProgress publishes queue counts. Failures only cost a dashboard refresh.
func (s *Scheduler) reportProgress(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		log.WithError(err).Debug("failed to count tasks")
		return
	}
	metrics.SetQueueDepth(counts[TaskPending])
	s.bus.Publish(events.QueueProgressEvent{
		Pending:    counts[TaskPending],
		Processing: counts[TaskProcessing],
		Completed:  counts[TaskCompleted],
		Failed:     counts[TaskFailed],
		Timestamp:  s.Now(),
	})
}
