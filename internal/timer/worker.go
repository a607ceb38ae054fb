// Package timer runs the auto-release reconciler: the second writer to
// the task projection. On a fixed schedule it finds pending_release tasks
// whose review window has lapsed and advances them to released with the
// same conditional-update discipline the event processor uses, so a live
// on-chain release arriving in the same window cannot be clobbered.
package timer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/proofpay-indexer/internal/store"
)

// TaskStore is the slice of the persistence gateway the worker needs.
type TaskStore interface {
	GetTask(id string) (*store.Task, error)
	TransitionTask(id string, from []store.TaskStatus, patch map[string]any) (bool, error)
	GetExpiredPendingReleaseTasks(now time.Time) ([]store.Task, error)
	GetUpcomingExpirations(now time.Time, within time.Duration) ([]store.Task, error)
	CreateActivityFeedEntry(e *store.ActivityFeedEntry) error
}

// Notifier is the shared notification path; auto-release uses the same
// released policy as a chain-driven release.
type Notifier interface {
	Released(ctx context.Context, task *store.Task)
}

// CheckResult aggregates one batch run, in the shape the manual HTTP
// trigger reports.
type CheckResult struct {
	Processed int          `json:"processed"`
	Errors    int          `json:"errors"`
	Details   []TaskResult `json:"details"`
}

type TaskResult struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Worker struct {
	store    TaskStore
	notifier Notifier
	spec     string
	now      func() time.Time

	mu      sync.Mutex
	cron    *rcron.Cron
	entry   rcron.EntryID
	running bool
}

func NewWorker(s TaskStore, n Notifier, spec string) *Worker {
	return &Worker{
		store:    s,
		notifier: n,
		spec:     spec,
		now:      time.Now,
	}
}

// Start registers the schedule and begins ticking. Safe to call once;
// a second call while running is a logged no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		log.Printf("[timer] already running")
		return nil
	}

	c := rcron.New(rcron.WithSeconds())
	entry, err := c.AddFunc(w.spec, func() {
		w.RunCheck(context.Background())
	})
	if err != nil {
		return fmt.Errorf("register timer schedule %q: %w", w.spec, err)
	}
	c.Start()

	w.cron = c
	w.entry = entry
	w.running = true
	log.Printf("[timer] started with schedule %q", w.spec)
	return nil
}

// Stop halts the schedule. In-flight batch runs complete.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cron != nil {
		w.cron.Stop()
		w.cron = nil
	}
	w.running = false
	log.Printf("[timer] stopped")
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// NextRun reports the next scheduled tick, zero when stopped.
func (w *Worker) NextRun() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron == nil {
		return time.Time{}
	}
	return w.cron.Entry(w.entry).Next
}

// RunCheck processes every expired pending_release task once. Tasks fail
// independently; the aggregate result is always returned.
func (w *Worker) RunCheck(ctx context.Context) CheckResult {
	started := w.now()
	result := CheckResult{Details: []TaskResult{}}

	expired, err := w.store.GetExpiredPendingReleaseTasks(started)
	if err != nil {
		log.Printf("[timer] expired-task query failed: %v", err)
		result.Errors = 1
		result.Details = append(result.Details, TaskResult{TaskID: "SYSTEM", Success: false, Error: err.Error()})
		return result
	}
	if len(expired) == 0 {
		return result
	}

	log.Printf("[timer] found %d expired pending_release tasks", len(expired))

	for _, task := range expired {
		if err := w.autoRelease(ctx, task); err != nil {
			log.Printf("[timer] auto-release task %s failed: %v", task.ID, err)
			result.Errors++
			result.Details = append(result.Details, TaskResult{TaskID: task.ID, Success: false, Error: err.Error()})
			continue
		}
		result.Processed++
		result.Details = append(result.Details, TaskResult{TaskID: task.ID, Success: true})
	}

	log.Printf("[timer] batch done: processed=%d errors=%d in %s",
		result.Processed, result.Errors, time.Since(started))
	return result
}

// autoRelease advances one expired task to released. A zero-row
// conditional update means a chain release beat us to it, which is
// success without side effects.
func (w *Worker) autoRelease(ctx context.Context, task store.Task) error {
	applied, err := w.store.TransitionTask(task.ID,
		[]store.TaskStatus{store.StatusPendingRelease},
		map[string]any{
			"status":                     store.StatusReleased,
			"pending_release_expires_at": nil,
		})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("[timer] task %s already left pending_release, skipping", task.ID)
		return nil
	}

	err = w.store.CreateActivityFeedEntry(&store.ActivityFeedEntry{
		ID:     uuid.NewString(),
		Actor:  task.Payer,
		Verb:   store.VerbReleasedPayment,
		TaskID: task.ID,
		Meta: store.JSONMap(map[string]any{
			"worker":       task.Worker,
			"amount":       task.Amount,
			"auto_release": true,
		}),
	})
	if err != nil {
		return err
	}

	released, err := w.store.GetTask(task.ID)
	if err != nil {
		return err
	}
	if released == nil {
		return fmt.Errorf("task %s vanished after release", task.ID)
	}

	w.notifier.Released(ctx, released)
	log.Printf("[timer] auto-released task %s (payer %s, worker %s, %s %s)",
		task.ID, task.Payer, task.Worker, task.Amount, task.Denom)
	return nil
}

// CheckTask force-checks a single task, releasing it only if it is an
// expired pending_release. Used by the manual admin trigger.
func (w *Worker) CheckTask(ctx context.Context, taskID string) (bool, error) {
	task, err := w.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("task %s not found", taskID)
	}
	if task.Status != store.StatusPendingRelease {
		log.Printf("[timer] task %s is %s, not pending_release", taskID, task.Status)
		return false, nil
	}
	if task.PendingReleaseExpiresAt == nil {
		return false, fmt.Errorf("task %s has no expiry set", taskID)
	}
	if task.PendingReleaseExpiresAt.After(w.now()) {
		log.Printf("[timer] task %s expires at %s, not yet due", taskID, task.PendingReleaseExpiresAt)
		return false, nil
	}
	if err := w.autoRelease(ctx, *task); err != nil {
		return false, err
	}
	return true, nil
}

// GetUpcomingExpirations lists pending_release tasks due within the
// window, for the status endpoint.
func (w *Worker) GetUpcomingExpirations(within time.Duration) ([]store.Task, error) {
	return w.store.GetUpcomingExpirations(w.now(), within)
}
