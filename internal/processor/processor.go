// Package processor applies decoded contract events to the task
// projection. Every application is gated by the processed-events ledger
// and expressed as a conditional transition, which together make
// at-least-once, possibly-reordered delivery safe.
package processor

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/proofpay-indexer/internal/bus"
	"github.com/stellarlinkco/proofpay-indexer/internal/store"
)

// TaskStore is the slice of the persistence gateway the processor needs.
type TaskStore interface {
	UpsertTaskFromEvent(t *store.Task) (*store.Task, error)
	GetTask(id string) (*store.Task, error)
	TransitionTask(id string, from []store.TaskStatus, patch map[string]any) (bool, error)
	IsEventProcessed(txHash string, eventIndex int) (bool, error)
	MarkEventProcessed(txHash string, eventIndex int) error
	CreateActivityFeedEntry(e *store.ActivityFeedEntry) error
}

// Notifier is the notification path shared with the timer worker.
type Notifier interface {
	TaskCreated(ctx context.Context, task *store.Task)
	ProofSubmitted(ctx context.Context, task *store.Task)
	PendingRelease(ctx context.Context, task *store.Task)
	Released(ctx context.Context, task *store.Task)
	Disputed(ctx context.Context, task *store.Task)
	Refunded(ctx context.Context, task *store.Task)
}

type Processor struct {
	store    TaskStore
	notifier Notifier
}

func New(s TaskStore, n Notifier) *Processor {
	return &Processor{store: s, notifier: n}
}

// Process applies one event. It returns true when the event is fully
// applied (or was already applied earlier); false leaves the event
// unmarked in the ledger so a redelivery can retry it.
func (p *Processor) Process(ctx context.Context, ev bus.Event) bool {
	ref := ev.EventRef()

	processed, err := p.store.IsEventProcessed(ref.TxHash, ref.EventIndex)
	if err != nil {
		log.Printf("[processor] ledger check failed tx=%s idx=%d: %v", ref.TxHash, ref.EventIndex, err)
		return false
	}
	if processed {
		log.Printf("[processor] %s tx=%s idx=%d already processed, skipping", ev.Kind(), ref.TxHash, ref.EventIndex)
		return true
	}

	if !p.apply(ctx, ev) {
		log.Printf("[processor] failed to process %s task=%s tx=%s idx=%d", ev.Kind(), ev.TaskID(), ref.TxHash, ref.EventIndex)
		return false
	}

	if err := p.store.MarkEventProcessed(ref.TxHash, ref.EventIndex); err != nil {
		log.Printf("[processor] mark processed failed tx=%s idx=%d: %v", ref.TxHash, ref.EventIndex, err)
		return false
	}

	log.Printf("[processor] %s task=%s tx=%s idx=%d processed", ev.Kind(), ev.TaskID(), ref.TxHash, ref.EventIndex)
	return true
}

func (p *Processor) apply(ctx context.Context, ev bus.Event) bool {
	switch e := ev.(type) {
	case bus.TaskCreated:
		return p.handleTaskCreated(ctx, e)
	case bus.ProofSubmitted:
		return p.handleProofSubmitted(ctx, e)
	case bus.TaskPendingRelease:
		return p.handleTaskPendingRelease(ctx, e)
	case bus.TaskReleased:
		return p.handleTaskReleased(ctx, e)
	case bus.TaskDisputed:
		return p.handleTaskDisputed(ctx, e)
	case bus.TaskRefunded:
		return p.handleTaskRefunded(ctx, e)
	default:
		log.Printf("[processor] unknown event kind %s", ev.Kind())
		return false
	}
}

func (p *Processor) handleTaskCreated(ctx context.Context, e bus.TaskCreated) bool {
	task, err := p.store.UpsertTaskFromEvent(&store.Task{
		ID:               e.ID,
		Payer:            e.Payer,
		Worker:           e.Worker,
		Amount:           e.Amount,
		Denom:            e.Denom,
		ProofType:        store.ProofType(e.ProofType),
		Status:           store.StatusPending,
		Description:      e.Description,
		Endpoint:         e.Endpoint,
		DeadlineTs:       e.DeadlineTs,
		ReviewWindowSecs: e.ReviewWindowSecs,
	})
	if err != nil || task == nil {
		log.Printf("[processor] create task %s failed: %v", e.ID, err)
		return false
	}

	if !p.appendActivity(e.Payer, store.VerbCreatedTask, e.ID, map[string]any{
		"amount":     e.Amount,
		"denom":      e.Denom,
		"proof_type": e.ProofType,
		"worker":     e.Worker,
	}) {
		return false
	}

	p.notifier.TaskCreated(ctx, task)
	return true
}

func (p *Processor) handleProofSubmitted(ctx context.Context, e bus.ProofSubmitted) bool {
	task, ok := p.mustGetTask(e.ID, e.Kind())
	if !ok {
		return false
	}

	patch := map[string]any{
		"status": store.StatusProofSubmitted,
		"worker": e.Worker,
	}
	if e.ProofHash != "" {
		patch["evidence_hash"] = e.ProofHash
	}
	if e.ZkProofHash != "" {
		patch["zk_proof_hash"] = e.ZkProofHash
	}

	applied, err := p.store.TransitionTask(e.ID,
		[]store.TaskStatus{store.StatusPending, store.StatusProofSubmitted}, patch)
	if err != nil {
		log.Printf("[processor] proof transition for task %s failed: %v", e.ID, err)
		return false
	}
	if !applied {
		log.Printf("[processor] task %s not in a proof-acceptable state (%s)", e.ID, task.Status)
		return false
	}

	updated, err := p.store.GetTask(e.ID)
	if err != nil || updated == nil {
		log.Printf("[processor] reread task %s failed: %v", e.ID, err)
		return false
	}

	if !p.appendActivity(e.Worker, store.VerbSubmittedProof, e.ID, map[string]any{
		"proof_hash":    e.ProofHash,
		"proof_url":     e.ProofURL,
		"zk_proof_hash": e.ZkProofHash,
	}) {
		return false
	}

	p.notifier.ProofSubmitted(ctx, updated)
	return true
}

func (p *Processor) handleTaskPendingRelease(ctx context.Context, e bus.TaskPendingRelease) bool {
	task, ok := p.mustGetTask(e.ID, e.Kind())
	if !ok {
		return false
	}
	if task.Status == store.StatusPendingRelease {
		return true // replayed after a partial failure, projection already current
	}

	verifiedAt, err := parseTimestamp(e.VerifiedAt)
	if err != nil {
		log.Printf("[processor] task %s bad verified_at %q: %v", e.ID, e.VerifiedAt, err)
		return false
	}
	expiresAt, err := parseTimestamp(e.ExpiresAt)
	if err != nil {
		log.Printf("[processor] task %s bad expires_at %q: %v", e.ID, e.ExpiresAt, err)
		return false
	}

	applied, err := p.store.TransitionTask(e.ID,
		[]store.TaskStatus{store.StatusProofSubmitted},
		map[string]any{
			"status":                     store.StatusPendingRelease,
			"verified_at":                verifiedAt,
			"pending_release_expires_at": expiresAt,
		})
	if err != nil {
		log.Printf("[processor] pending-release transition for task %s failed: %v", e.ID, err)
		return false
	}
	if !applied {
		log.Printf("[processor] task %s not in proof_submitted (%s)", e.ID, task.Status)
		return false
	}

	updated, err := p.store.GetTask(e.ID)
	if err != nil || updated == nil {
		log.Printf("[processor] reread task %s failed: %v", e.ID, err)
		return false
	}

	p.notifier.PendingRelease(ctx, updated)
	return true
}

func (p *Processor) handleTaskReleased(ctx context.Context, e bus.TaskReleased) bool {
	task, ok := p.mustGetTask(e.ID, e.Kind())
	if !ok {
		return false
	}
	if task.Status == store.StatusReleased {
		// The timer worker won the race; the on-chain release is a no-op.
		return true
	}

	patch := map[string]any{
		"status": store.StatusReleased,
		// released is terminal, the expiry no longer applies
		"pending_release_expires_at": nil,
	}
	if task.Worker == "" && e.Worker != "" {
		patch["worker"] = e.Worker
	}

	applied, err := p.store.TransitionTask(e.ID,
		[]store.TaskStatus{store.StatusPendingRelease}, patch)
	if err != nil {
		log.Printf("[processor] release transition for task %s failed: %v", e.ID, err)
		return false
	}
	if !applied {
		current, err := p.store.GetTask(e.ID)
		if err == nil && current != nil && current.Status == store.StatusReleased {
			return true
		}
		log.Printf("[processor] task %s not releasable (%s)", e.ID, task.Status)
		return false
	}

	updated, err := p.store.GetTask(e.ID)
	if err != nil || updated == nil {
		log.Printf("[processor] reread task %s failed: %v", e.ID, err)
		return false
	}

	if !p.appendActivity(updated.Payer, store.VerbReleasedPayment, e.ID, map[string]any{
		"worker": e.Worker,
		"amount": e.Amount,
	}) {
		return false
	}

	p.notifier.Released(ctx, updated)
	return true
}

func (p *Processor) handleTaskDisputed(ctx context.Context, e bus.TaskDisputed) bool {
	task, ok := p.mustGetTask(e.ID, e.Kind())
	if !ok {
		return false
	}
	if task.Status == store.StatusDisputed {
		return true
	}

	applied, err := p.store.TransitionTask(e.ID,
		[]store.TaskStatus{store.StatusPending, store.StatusProofSubmitted, store.StatusPendingRelease},
		map[string]any{
			"status":                     store.StatusDisputed,
			"pending_release_expires_at": nil,
		})
	if err != nil {
		log.Printf("[processor] dispute transition for task %s failed: %v", e.ID, err)
		return false
	}
	if !applied {
		log.Printf("[processor] task %s not disputable (%s)", e.ID, task.Status)
		return false
	}

	updated, err := p.store.GetTask(e.ID)
	if err != nil || updated == nil {
		log.Printf("[processor] reread task %s failed: %v", e.ID, err)
		return false
	}

	if !p.appendActivity(e.Disputer, store.VerbDisputedTask, e.ID, map[string]any{
		"reason": e.Reason,
	}) {
		return false
	}

	p.notifier.Disputed(ctx, updated)
	return true
}

func (p *Processor) handleTaskRefunded(ctx context.Context, e bus.TaskRefunded) bool {
	task, ok := p.mustGetTask(e.ID, e.Kind())
	if !ok {
		return false
	}
	if task.Status == store.StatusRefunded {
		return true
	}

	applied, err := p.store.TransitionTask(e.ID,
		[]store.TaskStatus{store.StatusPending, store.StatusProofSubmitted},
		map[string]any{"status": store.StatusRefunded})
	if err != nil {
		log.Printf("[processor] refund transition for task %s failed: %v", e.ID, err)
		return false
	}
	if !applied {
		log.Printf("[processor] task %s not refundable (%s)", e.ID, task.Status)
		return false
	}

	updated, err := p.store.GetTask(e.ID)
	if err != nil || updated == nil {
		log.Printf("[processor] reread task %s failed: %v", e.ID, err)
		return false
	}

	p.notifier.Refunded(ctx, updated)
	return true
}

// mustGetTask loads the task that every non-creation event requires to
// already exist. Absence is a processing failure, not a silent skip.
func (p *Processor) mustGetTask(id string, kind bus.Kind) (*store.Task, bool) {
	task, err := p.store.GetTask(id)
	if err != nil {
		log.Printf("[processor] load task %s for %s failed: %v", id, kind, err)
		return nil, false
	}
	if task == nil {
		log.Printf("[processor] task %s missing for %s, leaving event unprocessed", id, kind)
		return nil, false
	}
	return task, true
}

func (p *Processor) appendActivity(actor string, verb store.ActivityVerb, taskID string, meta map[string]any) bool {
	err := p.store.CreateActivityFeedEntry(&store.ActivityFeedEntry{
		ID:     uuid.NewString(),
		Actor:  actor,
		Verb:   verb,
		TaskID: taskID,
		Meta:   store.JSONMap(meta),
	})
	if err != nil {
		log.Printf("[processor] activity %s for task %s failed: %v", verb, taskID, err)
		return false
	}
	return true
}

// parseTimestamp accepts RFC 3339 or unix seconds, the two shapes the
// contract emits for verified_at / expires_at.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
