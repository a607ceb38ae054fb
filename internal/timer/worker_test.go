package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stellarlinkco/proofpay-indexer/internal/store"
)

type fakeStore struct {
	tasks    map[string]*store.Task
	activity []*store.ActivityFeedEntry

	queryErr      error
	transitionErr map[string]error
	// lostRace simulates the chain release winning between query and update
	lostRace map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:         make(map[string]*store.Task),
		transitionErr: make(map[string]error),
		lostRace:      make(map[string]bool),
	}
}

func (f *fakeStore) GetTask(id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) TransitionTask(id string, from []store.TaskStatus, patch map[string]any) (bool, error) {
	if err := f.transitionErr[id]; err != nil {
		return false, err
	}
	t, ok := f.tasks[id]
	if !ok {
		return false, nil
	}
	if f.lostRace[id] {
		t.Status = store.StatusReleased
		t.PendingReleaseExpiresAt = nil
		f.lostRace[id] = false
	}
	matched := false
	for _, s := range from {
		if t.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if v, ok := patch["status"]; ok {
		t.Status = v.(store.TaskStatus)
	}
	if v, ok := patch["pending_release_expires_at"]; ok && v == nil {
		t.PendingReleaseExpiresAt = nil
	}
	return true, nil
}

func (f *fakeStore) GetExpiredPendingReleaseTasks(now time.Time) ([]store.Task, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []store.Task
	for _, t := range f.tasks {
		if t.Status == store.StatusPendingRelease &&
			t.PendingReleaseExpiresAt != nil && !t.PendingReleaseExpiresAt.After(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetUpcomingExpirations(now time.Time, within time.Duration) ([]store.Task, error) {
	var out []store.Task
	cutoff := now.Add(within)
	for _, t := range f.tasks {
		if t.Status == store.StatusPendingRelease && t.PendingReleaseExpiresAt != nil &&
			t.PendingReleaseExpiresAt.After(now) && !t.PendingReleaseExpiresAt.After(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateActivityFeedEntry(e *store.ActivityFeedEntry) error {
	f.activity = append(f.activity, e)
	return nil
}

type fakeNotifier struct {
	released []string
}

func (f *fakeNotifier) Released(ctx context.Context, task *store.Task) {
	f.released = append(f.released, task.ID)
}

func pendingTask(id string, expiresAt time.Time) *store.Task {
	return &store.Task{
		ID:                      id,
		Payer:                   "addrPayer",
		Worker:                  "addrWorker",
		Amount:                  "1000000",
		Denom:                   "uxion",
		Status:                  store.StatusPendingRelease,
		PendingReleaseExpiresAt: &expiresAt,
	}
}

func testWorker(fs *fakeStore, fn *fakeNotifier, now time.Time) *Worker {
	w := NewWorker(fs, fn, "0 * * * * *")
	w.now = func() time.Time { return now }
	return w
}

func TestRunCheck_ReleasesExpiredTasks(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fn := &fakeNotifier{}
	fs.tasks["1"] = pendingTask("1", now.Add(-time.Hour))
	fs.tasks["2"] = pendingTask("2", now) // due exactly now
	fs.tasks["3"] = pendingTask("3", now.Add(time.Hour))

	w := testWorker(fs, fn, now)
	result := w.RunCheck(context.Background())

	if result.Processed != 2 || result.Errors != 0 {
		t.Fatalf("processed/errors = %d/%d, want 2/0", result.Processed, result.Errors)
	}
	for _, id := range []string{"1", "2"} {
		task, _ := fs.GetTask(id)
		if task.Status != store.StatusReleased {
			t.Errorf("task %s status = %s, want %s", id, task.Status, store.StatusReleased)
		}
		if task.PendingReleaseExpiresAt != nil {
			t.Errorf("task %s expiry not cleared", id)
		}
	}
	if task, _ := fs.GetTask("3"); task.Status != store.StatusPendingRelease {
		t.Errorf("undue task 3 status = %s, want untouched", task.Status)
	}
	if len(fn.released) != 2 {
		t.Errorf("released notifications = %d, want 2", len(fn.released))
	}
	if len(fs.activity) != 2 {
		t.Errorf("activity entries = %d, want 2", len(fs.activity))
	}
}

func TestRunCheck_SecondRunIsNoop(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fn := &fakeNotifier{}
	fs.tasks["1"] = pendingTask("1", now.Add(-time.Hour))

	w := testWorker(fs, fn, now)
	w.RunCheck(context.Background())
	second := w.RunCheck(context.Background())

	if second.Processed != 0 || second.Errors != 0 {
		t.Errorf("second run processed/errors = %d/%d, want 0/0", second.Processed, second.Errors)
	}
	if len(fn.released) != 1 {
		t.Errorf("released notifications = %d, want 1", len(fn.released))
	}
}

func TestRunCheck_LostRaceIsSuccessWithoutSideEffects(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fn := &fakeNotifier{}
	fs.tasks["1"] = pendingTask("1", now.Add(-time.Hour))
	fs.lostRace["1"] = true

	w := testWorker(fs, fn, now)
	result := w.RunCheck(context.Background())

	if result.Processed != 1 || result.Errors != 0 {
		t.Fatalf("processed/errors = %d/%d, want 1/0", result.Processed, result.Errors)
	}
	if len(fn.released) != 0 {
		t.Errorf("released notifications = %d, want 0 after lost race", len(fn.released))
	}
	if len(fs.activity) != 0 {
		t.Errorf("activity entries = %d, want 0 after lost race", len(fs.activity))
	}
}

func TestRunCheck_TaskFailuresAreIsolated(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fn := &fakeNotifier{}
	fs.tasks["bad"] = pendingTask("bad", now.Add(-time.Hour))
	fs.tasks["good"] = pendingTask("good", now.Add(-time.Hour))
	fs.transitionErr["bad"] = errors.New("deadlock")

	w := testWorker(fs, fn, now)
	result := w.RunCheck(context.Background())

	if result.Processed != 1 || result.Errors != 1 {
		t.Fatalf("processed/errors = %d/%d, want 1/1", result.Processed, result.Errors)
	}
	task, _ := fs.GetTask("good")
	if task.Status != store.StatusReleased {
		t.Errorf("good task status = %s, want %s", task.Status, store.StatusReleased)
	}
	found := false
	for _, d := range result.Details {
		if d.TaskID == "bad" && !d.Success && d.Error != "" {
			found = true
		}
	}
	if !found {
		t.Error("no failure detail recorded for bad task")
	}
}

func TestRunCheck_QueryFailure(t *testing.T) {
	fs := newFakeStore()
	fs.queryErr = errors.New("db down")
	w := testWorker(fs, &fakeNotifier{}, time.Now())

	result := w.RunCheck(context.Background())
	if result.Errors != 1 || result.Processed != 0 {
		t.Fatalf("processed/errors = %d/%d, want 0/1", result.Processed, result.Errors)
	}
	if len(result.Details) != 1 || result.Details[0].TaskID != "SYSTEM" {
		t.Errorf("details = %v, want one SYSTEM entry", result.Details)
	}
}

func TestCheckTask(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	t.Run("not found", func(t *testing.T) {
		w := testWorker(newFakeStore(), &fakeNotifier{}, now)
		if _, err := w.CheckTask(context.Background(), "404"); err == nil {
			t.Error("want error for missing task")
		}
	})

	t.Run("wrong status", func(t *testing.T) {
		fs := newFakeStore()
		fs.tasks["1"] = &store.Task{ID: "1", Status: store.StatusPending}
		w := testWorker(fs, &fakeNotifier{}, now)
		released, err := w.CheckTask(context.Background(), "1")
		if err != nil || released {
			t.Errorf("released/err = %v/%v, want false/nil", released, err)
		}
	})

	t.Run("missing expiry", func(t *testing.T) {
		fs := newFakeStore()
		fs.tasks["1"] = &store.Task{ID: "1", Status: store.StatusPendingRelease}
		w := testWorker(fs, &fakeNotifier{}, now)
		if _, err := w.CheckTask(context.Background(), "1"); err == nil {
			t.Error("want error for missing expiry")
		}
	})

	t.Run("not yet due", func(t *testing.T) {
		fs := newFakeStore()
		fs.tasks["1"] = pendingTask("1", now.Add(time.Minute))
		w := testWorker(fs, &fakeNotifier{}, now)
		released, err := w.CheckTask(context.Background(), "1")
		if err != nil || released {
			t.Errorf("released/err = %v/%v, want false/nil", released, err)
		}
	})

	t.Run("due exactly now", func(t *testing.T) {
		fs := newFakeStore()
		fn := &fakeNotifier{}
		fs.tasks["1"] = pendingTask("1", now)
		w := testWorker(fs, fn, now)
		released, err := w.CheckTask(context.Background(), "1")
		if err != nil || !released {
			t.Fatalf("released/err = %v/%v, want true/nil", released, err)
		}
		if task, _ := fs.GetTask("1"); task.Status != store.StatusReleased {
			t.Errorf("status = %s, want %s", task.Status, store.StatusReleased)
		}
		if len(fn.released) != 1 {
			t.Errorf("released notifications = %d, want 1", len(fn.released))
		}
	})
}

func TestStartStop(t *testing.T) {
	w := NewWorker(newFakeStore(), &fakeNotifier{}, "0 * * * * *")

	if w.Running() {
		t.Fatal("new worker reports running")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	if !w.Running() {
		t.Fatal("worker not running after Start")
	}
	if w.NextRun().IsZero() {
		t.Error("NextRun is zero while running")
	}
	if err := w.Start(); err != nil {
		t.Errorf("second Start: %v, want no-op nil", err)
	}
	w.Stop()
	if w.Running() {
		t.Error("worker reports running after Stop")
	}
	if !w.NextRun().IsZero() {
		t.Error("NextRun not zero after Stop")
	}
}

func TestStart_BadSpec(t *testing.T) {
	w := NewWorker(newFakeStore(), &fakeNotifier{}, "not a schedule")
	if err := w.Start(); err == nil {
		t.Fatal("Start accepted an invalid schedule")
	}
	if w.Running() {
		t.Error("worker reports running after failed Start")
	}
}
