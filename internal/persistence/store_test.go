package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/dreammaker/internal/quota"
	"github.com/aristath/dreammaker/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// testUser creates a user with enough quota for a few generations.
func testUser(t *testing.T, store *SQLiteStore, name string) int64 {
	t.Helper()
	id, err := store.CreateUser(context.Background(), quota.NewUser{
		Username:        name,
		Email:           name + "@example.com",
		Plan:            "free",
		Tokens:          10,
		RemainingImages: 50,
		ResetDate:       "2026-03-10",
	})
	if err != nil {
		t.Fatalf("failed to create user %s: %v", name, err)
	}
	return id
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, store *SQLiteStore, owner int64, priority int, queuedAt time.Time) int64 {
	t.Helper()
	id, created, err := store.EnqueueTask(context.Background(), &scheduler.Task{
		OwnerID:  owner,
		Prompt:   "a lighthouse at dusk",
		Width:    1024,
		Height:   768,
		Steps:    4,
		Priority: priority,
		QueuedAt: queuedAt,
	})
	if err != nil {
		t.Fatalf("failed to enqueue task: %v", err)
	}
	if !created {
		t.Fatalf("expected a new task for owner %d", owner)
	}
	return id
}

func TestEnqueueAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := testUser(t, store, "alice")

	id := enqueue(t, store, owner, 1, base)

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if task.OwnerID != owner || task.Prompt != "a lighthouse at dusk" {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.Width != 1024 || task.Height != 768 || task.Steps != 4 {
		t.Errorf("dimensions = %dx%d/%d", task.Width, task.Height, task.Steps)
	}
	if task.Status != scheduler.TaskPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Priority != 1 {
		t.Errorf("priority = %d, want 1", task.Priority)
	}
	if !task.QueuedAt.Equal(base) {
		t.Errorf("queued_at = %v, want %v", task.QueuedAt, base)
	}
	if !task.StartedAt.IsZero() || !task.CompletedAt.IsZero() {
		t.Errorf("expected unset started/completed, got %v / %v", task.StartedAt, task.CompletedAt)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), 999)
	if !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestEnqueueTask_OneActivePerOwner(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := testUser(t, store, "alice")

	first := enqueue(t, store, owner, 0, base)

	// Pending: same id back
	id, created, err := store.EnqueueTask(ctx, &scheduler.Task{OwnerID: owner, Prompt: "again", Width: 512, Height: 512, Steps: 4, QueuedAt: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if created || id != first {
		t.Errorf("second enqueue = (%d, %v), want (%d, false)", id, created, first)
	}

	// Processing: still the same id
	if err := store.MarkProcessing(ctx, first, base.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	id, created, _ = store.EnqueueTask(ctx, &scheduler.Task{OwnerID: owner, Prompt: "again", Width: 512, Height: 512, Steps: 4, QueuedAt: base.Add(3 * time.Second)})
	if created || id != first {
		t.Errorf("enqueue while processing = (%d, %v), want (%d, false)", id, created, first)
	}

	// Terminal: a new task is created
	if err := store.MarkFailed(ctx, first, "boom", base.Add(4*time.Second)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	id, created, _ = store.EnqueueTask(ctx, &scheduler.Task{OwnerID: owner, Prompt: "again", Width: 512, Height: 512, Steps: 4, QueuedAt: base.Add(5 * time.Second)})
	if !created || id == first {
		t.Errorf("enqueue after failure = (%d, %v), want a new task", id, created)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[scheduler.TaskPending] != 1 || counts[scheduler.TaskFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestEnqueueTask_ConcurrentSameOwner(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	owner := testUser(t, store, "alice")

	const n = 8
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := store.EnqueueTask(context.Background(), &scheduler.Task{OwnerID: owner, Prompt: "p", Width: 64, Height: 64, Steps: 1, QueuedAt: base})
			if err != nil {
				t.Errorf("enqueue %d failed: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent enqueues returned different ids: %v", ids)
		}
	}
}

func TestNextPending_Order(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := testUser(t, store, "a")
	b := testUser(t, store, "b")
	c := testUser(t, store, "c")
	d := testUser(t, store, "d")

	// Enqueue order deliberately differs from service order
	lowOld := enqueue(t, store, a, 0, base)
	highNew := enqueue(t, store, b, 2, base.Add(3*time.Second))
	midOld := enqueue(t, store, c, 1, base.Add(time.Second))
	midNew := enqueue(t, store, d, 1, base.Add(2*time.Second))

	want := []int64{highNew, midOld, midNew, lowOld}
	for i, wantID := range want {
		task, err := store.NextPending(ctx)
		if err != nil {
			t.Fatalf("NextPending failed: %v", err)
		}
		if task == nil || task.ID != wantID {
			t.Fatalf("dequeue %d = %+v, want task %d", i, task, wantID)
		}
		if err := store.MarkProcessing(ctx, task.ID, base.Add(time.Minute)); err != nil {
			t.Fatalf("MarkProcessing failed: %v", err)
		}
	}

	task, err := store.NextPending(ctx)
	if err != nil || task != nil {
		t.Errorf("expected empty queue, got %+v, %v", task, err)
	}
}

func TestNextPending_SameQueuedAtUsesID(t *testing.T) {
	store := testStore(t)
	first := enqueue(t, store, testUser(t, store, "a"), 0, base)
	enqueue(t, store, testUser(t, store, "b"), 0, base)

	task, err := store.NextPending(context.Background())
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	if task.ID != first {
		t.Errorf("dequeued %d, want %d", task.ID, first)
	}
}

func TestQueuePosition(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	onlyID := enqueue(t, store, testUser(t, store, "a"), 0, base)
	only, _ := store.GetTask(ctx, onlyID)
	if pos, err := store.QueuePosition(ctx, only); err != nil || pos != 1 {
		t.Fatalf("position on empty queue = %d, %v; want 1", pos, err)
	}

	// A higher priority task jumps ahead, an equal later one goes behind
	enqueue(t, store, testUser(t, store, "b"), 1, base.Add(time.Second))
	laterID := enqueue(t, store, testUser(t, store, "c"), 0, base.Add(2*time.Second))

	only, _ = store.GetTask(ctx, onlyID)
	if pos, _ := store.QueuePosition(ctx, only); pos != 2 {
		t.Errorf("position = %d, want 2", pos)
	}
	later, _ := store.GetTask(ctx, laterID)
	if pos, _ := store.QueuePosition(ctx, later); pos != 3 {
		t.Errorf("position = %d, want 3", pos)
	}
}

func TestStatusTransitions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := testUser(t, store, "alice")
	id := enqueue(t, store, owner, 0, base)

	if err := store.MarkProcessing(ctx, id, base.Add(time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	// Processing cannot go back to processing
	if err := store.MarkProcessing(ctx, id, base.Add(2*time.Second)); !errors.Is(err, scheduler.ErrInvalidTransition) {
		t.Errorf("second MarkProcessing error = %v, want ErrInvalidTransition", err)
	}

	if err := store.MarkFailed(ctx, id, "backend down", base.Add(3*time.Second)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	// Terminal is final
	if err := store.MarkFailed(ctx, id, "again", base.Add(4*time.Second)); !errors.Is(err, scheduler.ErrInvalidTransition) {
		t.Errorf("MarkFailed on failed task error = %v, want ErrInvalidTransition", err)
	}
	if err := store.MarkProcessing(ctx, 999, base); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("MarkProcessing unknown task error = %v, want ErrTaskNotFound", err)
	}

	task, _ := store.GetTask(ctx, id)
	if task.Status != scheduler.TaskFailed || task.ErrorMessage != "backend down" {
		t.Errorf("task = %+v", task)
	}
	if !task.StartedAt.Equal(base.Add(time.Second)) || !task.CompletedAt.Equal(base.Add(3*time.Second)) {
		t.Errorf("timestamps = %v / %v", task.StartedAt, task.CompletedAt)
	}
}

func TestCompleteGeneration(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := testUser(t, store, "alice")
	id := enqueue(t, store, owner, 0, base)

	c := scheduler.Completion{
		TaskID:           id,
		OwnerID:          owner,
		Prompt:           "un phare",
		TranslatedPrompt: "a lighthouse",
		ResultPath:       "static/images/generated/x.png",
		Width:            1024,
		Height:           768,
		TokenCost:        1,
		CompletedAt:      base.Add(5 * time.Second),
		Day:              "2026-03-10",
		DailyImages:      50,
	}

	// Only a processing task can complete
	if err := store.CompleteGeneration(ctx, c); !errors.Is(err, scheduler.ErrInvalidTransition) {
		t.Fatalf("complete pending task error = %v, want ErrInvalidTransition", err)
	}
	if user, _ := store.GetUser(ctx, owner); user.TokenBalance != 10 {
		t.Fatalf("rejected completion debited tokens: %v", user.TokenBalance)
	}

	if err := store.MarkProcessing(ctx, id, base.Add(time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if err := store.CompleteGeneration(ctx, c); err != nil {
		t.Fatalf("CompleteGeneration failed: %v", err)
	}

	task, _ := store.GetTask(ctx, id)
	if task.Status != scheduler.TaskCompleted || task.ResultPath != c.ResultPath {
		t.Errorf("task = %+v", task)
	}

	user, err := store.GetUser(ctx, owner)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.TokenBalance != 9 {
		t.Errorf("token balance = %v, want 9", user.TokenBalance)
	}
	if user.RemainingImages != 49 {
		t.Errorf("remaining images = %d, want 49", user.RemainingImages)
	}

	images, err := store.ListImages(ctx, owner, 10)
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 1 || images[0].TaskID != id || images[0].TranslatedPrompt != "a lighthouse" {
		t.Fatalf("images = %+v", images)
	}
	img, err := store.GetImage(ctx, images[0].ID)
	if err != nil || img.FilePath != c.ResultPath {
		t.Errorf("GetImage = %+v, %v", img, err)
	}
}

func TestCompleteGeneration_AfterMidnight(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := testUser(t, store, "alice")

	// Day-one allowance nearly spent
	if err := store.UpdateQuota(ctx, owner, func(s *quota.State) error {
		s.RemainingImages = 3
		return nil
	}); err != nil {
		t.Fatalf("UpdateQuota failed: %v", err)
	}

	id := enqueue(t, store, owner, 0, base)
	if err := store.MarkProcessing(ctx, id, base.Add(time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	err := store.CompleteGeneration(ctx, scheduler.Completion{
		TaskID:      id,
		OwnerID:     owner,
		Prompt:      "a lighthouse",
		ResultPath:  "static/images/generated/y.png",
		TokenCost:   1,
		CompletedAt: base.Add(12 * time.Hour),
		Day:         "2026-03-11",
		DailyImages: 50,
	})
	if err != nil {
		t.Fatalf("CompleteGeneration failed: %v", err)
	}

	user, err := store.GetUser(ctx, owner)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.RemainingImages != 49 || user.LastResetDate != "2026-03-11" {
		t.Errorf("remaining = %d reset = %q, want 49 on 2026-03-11", user.RemainingImages, user.LastResetDate)
	}
	if user.TokenBalance != 9 {
		t.Errorf("token balance = %v, want 9", user.TokenBalance)
	}
}

func TestActiveTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := testUser(t, store, "alice")

	if task, err := store.ActiveTask(ctx, owner); err != nil || task != nil {
		t.Fatalf("ActiveTask with no tasks = %v, %v", task, err)
	}

	id := enqueue(t, store, owner, 0, base)
	if err := store.MarkProcessing(ctx, id, base.Add(time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	task, err := store.ActiveTask(ctx, owner)
	if err != nil || task == nil || task.ID != id || task.Status != scheduler.TaskProcessing {
		t.Fatalf("ActiveTask = %+v, %v", task, err)
	}

	if err := store.MarkFailed(ctx, id, "boom", base.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if task, err := store.ActiveTask(ctx, owner); err != nil || task != nil {
		t.Errorf("ActiveTask after failure = %+v, %v", task, err)
	}
}

func TestFailStaleProcessing(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	stale := enqueue(t, store, testUser(t, store, "a"), 0, base)
	waiting := enqueue(t, store, testUser(t, store, "b"), 0, base.Add(time.Second))
	if err := store.MarkProcessing(ctx, stale, base.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	n, err := store.FailStaleProcessing(ctx, "interrupted", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("FailStaleProcessing failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d tasks, want 1", n)
	}

	task, _ := store.GetTask(ctx, stale)
	if task.Status != scheduler.TaskFailed || task.ErrorMessage != "interrupted" {
		t.Errorf("stale task = %+v", task)
	}
	task, _ = store.GetTask(ctx, waiting)
	if task.Status != scheduler.TaskPending {
		t.Errorf("pending task was swept: %+v", task)
	}
}

func TestListRecentTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	low := enqueue(t, store, testUser(t, store, "a"), 0, base)
	high := enqueue(t, store, testUser(t, store, "b"), 2, base.Add(time.Second))
	running := enqueue(t, store, testUser(t, store, "c"), 0, base.Add(2*time.Second))
	if err := store.MarkProcessing(ctx, running, base.Add(3*time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	recent, err := store.ListRecentTasks(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentTasks failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != running || recent[1].ID != high {
		t.Errorf("recent = %v", taskIDs(recent))
	}

	all, err := store.ListRecentTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentTasks failed: %v", err)
	}
	if len(all) != 3 || all[2].ID != low || all[0].Status != scheduler.TaskProcessing {
		t.Errorf("all = %v", taskIDs(all))
	}
}

func TestUsers(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	id := testUser(t, store, "alice")

	if _, err := store.CreateUser(ctx, quota.NewUser{Username: "alice", Plan: "free"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate CreateUser error = %v, want ErrUserExists", err)
	}

	if err := store.AddTokens(ctx, id, 50); err != nil {
		t.Fatalf("AddTokens failed: %v", err)
	}
	if err := store.SetPlan(ctx, id, "pro", 500); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	user, err := store.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.Plan != "pro" || user.TokenBalance != 560 {
		t.Errorf("user = %+v", user)
	}

	if err := store.AddTokens(ctx, 999, 1); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("AddTokens unknown user error = %v", err)
	}
	if _, err := store.GetUser(ctx, 999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser unknown user error = %v", err)
	}
}

func TestUpdateQuota(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	id := testUser(t, store, "alice")
	stamp := base.Add(time.Hour)

	err := store.UpdateQuota(ctx, id, func(s *quota.State) error {
		s.RemainingImages = 3
		s.LastResetDate = "2026-03-11"
		s.LastGenerationAt = stamp
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateQuota failed: %v", err)
	}

	state, err := store.QuotaState(ctx, id)
	if err != nil {
		t.Fatalf("QuotaState failed: %v", err)
	}
	if state.RemainingImages != 3 || state.LastResetDate != "2026-03-11" || !state.LastGenerationAt.Equal(stamp) {
		t.Errorf("state = %+v", state)
	}

	// A failing fn writes nothing
	boom := errors.New("boom")
	err = store.UpdateQuota(ctx, id, func(s *quota.State) error {
		s.RemainingImages = 0
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateQuota error = %v, want boom", err)
	}
	if state, _ := store.QuotaState(ctx, id); state.RemainingImages != 3 {
		t.Errorf("failed update was written: %+v", state)
	}

	if err := store.UpdateQuota(ctx, 999, func(*quota.State) error { return nil }); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UpdateQuota unknown user error = %v", err)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dreammaker.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	owner := testUser(t, store, "alice")
	id := enqueue(t, store, owner, 1, base)
	store.Close()

	// Reopen and verify the task survived
	store, err = NewSQLiteStore(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask after reopen failed: %v", err)
	}
	if task.Priority != 1 || task.Status != scheduler.TaskPending {
		t.Errorf("task after reopen = %+v", task)
	}
}

func taskIDs(tasks []*scheduler.Task) []int64 {
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
