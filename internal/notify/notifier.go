// Package notify owns the notification policy: which party hears about
// which task transition, with what text. Both the event processor and the
// timer worker call through here so the policy lives in one place.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/proofpay-indexer/internal/store"
)

// Recorder persists notification records before delivery is attempted.
type Recorder interface {
	CreateNotification(n *store.Notification) error
}

// Notifier records a notification row and then attempts push delivery.
// Delivery is best-effort: no method returns an error, failures are
// logged and swallowed so task-state correctness never depends on push.
type Notifier struct {
	recorder Recorder
	pusher   Pusher // nil when push is not configured
}

func New(recorder Recorder, pusher Pusher) *Notifier {
	if pusher == nil {
		log.Printf("[notify] push credentials not provided, delivery disabled")
	}
	return &Notifier{recorder: recorder, pusher: pusher}
}

// TaskCreated notifies the assigned worker. Open tasks (no worker yet)
// produce no notification.
func (n *Notifier) TaskCreated(ctx context.Context, task *store.Task) {
	if task.Worker == "" {
		log.Printf("[notify] task %s created without worker, skipping", task.ID)
		return
	}
	n.send(ctx, task.Worker, store.NotifyTaskCreated, task.ID,
		"New Task Available",
		fmt.Sprintf("%s %s - %s", task.Amount, strings.ToUpper(task.Denom), orDefault(task.Description, "New task request")),
		map[string]any{
			"amount":     task.Amount,
			"denom":      task.Denom,
			"proof_type": string(task.ProofType),
			"payer":      task.Payer,
		})
}

// ProofSubmitted notifies the payer (review wording depends on the proof
// type) and the worker.
func (n *Notifier) ProofSubmitted(ctx context.Context, task *store.Task) {
	payerMsg := "Worker submitted proof for your task. Auto-verification in progress."
	if task.ProofType == store.ProofSoft {
		payerMsg = "Worker submitted proof for your task. Review required."
	}
	n.send(ctx, task.Payer, store.NotifyProofSubmitted, task.ID,
		"Proof Submitted", payerMsg,
		map[string]any{
			"amount":     task.Amount,
			"denom":      task.Denom,
			"proof_type": string(task.ProofType),
			"worker":     task.Worker,
		})

	if task.Worker != "" {
		n.send(ctx, task.Worker, store.NotifyProofSubmitted, task.ID,
			"Proof Submitted",
			"Your proof has been submitted and is under review.",
			map[string]any{
				"amount":     task.Amount,
				"denom":      task.Denom,
				"proof_type": string(task.ProofType),
			})
	}
}

// PendingRelease notifies both parties that the review window started.
func (n *Notifier) PendingRelease(ctx context.Context, task *store.Task) {
	var expires string
	if task.PendingReleaseExpiresAt != nil {
		expires = task.PendingReleaseExpiresAt.UTC().Format(time.RFC3339)
	}
	n.send(ctx, task.Payer, store.NotifyPendingReleaseStarted, task.ID,
		"Pending Release Started",
		"Payment will auto-release unless disputed within review window.",
		map[string]any{
			"amount":             task.Amount,
			"denom":              task.Denom,
			"expires_at":         expires,
			"review_window_secs": task.ReviewWindowSecs,
		})

	if task.Worker != "" {
		n.send(ctx, task.Worker, store.NotifyPendingReleaseStarted, task.ID,
			"Auto-Release Started",
			"Payment is pending release. Auto-release in progress.",
			map[string]any{
				"amount":     task.Amount,
				"denom":      task.Denom,
				"expires_at": expires,
			})
	}
}

// Released notifies both parties. Chain-driven and timer-driven releases
// share this path.
func (n *Notifier) Released(ctx context.Context, task *store.Task) {
	n.send(ctx, task.Payer, store.NotifyTaskReleased, task.ID,
		"Payment Released",
		"Payment has been released to worker.",
		map[string]any{
			"amount": task.Amount,
			"denom":  task.Denom,
			"worker": task.Worker,
		})

	if task.Worker != "" {
		n.send(ctx, task.Worker, store.NotifyTaskReleased, task.ID,
			"Payment Received",
			fmt.Sprintf("You received %s %s for completed task.", task.Amount, strings.ToUpper(task.Denom)),
			map[string]any{
				"amount": task.Amount,
				"denom":  task.Denom,
				"payer":  task.Payer,
			})
	}
}

// Disputed notifies both parties.
func (n *Notifier) Disputed(ctx context.Context, task *store.Task) {
	n.send(ctx, task.Payer, store.NotifyTaskDisputed, task.ID,
		"Task Disputed",
		"Your dispute has been submitted for review.",
		map[string]any{
			"amount": task.Amount,
			"denom":  task.Denom,
			"worker": task.Worker,
		})

	if task.Worker != "" {
		n.send(ctx, task.Worker, store.NotifyTaskDisputed, task.ID,
			"Task Disputed",
			"Your task has been disputed. Review required.",
			map[string]any{
				"amount": task.Amount,
				"denom":  task.Denom,
				"payer":  task.Payer,
			})
	}
}

// Refunded notifies both parties.
func (n *Notifier) Refunded(ctx context.Context, task *store.Task) {
	n.send(ctx, task.Payer, store.NotifyTaskRefunded, task.ID,
		"Payment Refunded",
		fmt.Sprintf("Your payment of %s %s has been refunded.", task.Amount, strings.ToUpper(task.Denom)),
		map[string]any{
			"amount": task.Amount,
			"denom":  task.Denom,
			"worker": task.Worker,
		})

	if task.Worker != "" {
		n.send(ctx, task.Worker, store.NotifyTaskRefunded, task.ID,
			"Task Refunded",
			"Task payment was refunded to payer.",
			map[string]any{
				"amount": task.Amount,
				"denom":  task.Denom,
				"payer":  task.Payer,
			})
	}
}

// Test sends a throwaway push to verify delivery wiring. Reports true
// when push is disabled so development setups pass.
func (n *Notifier) Test(ctx context.Context, recipient string) bool {
	if n.pusher == nil {
		log.Printf("[notify] test skipped, push disabled (recipient %s)", shortAddr(recipient))
		return true
	}
	err := n.pusher.Push(ctx, recipient, "Test Notification",
		"ProofPay indexer is working correctly!",
		map[string]string{"type": "test", "task_id": "test_task_001"})
	if err != nil {
		log.Printf("[notify] test push failed: %v", err)
		return false
	}
	return true
}

func (n *Notifier) send(ctx context.Context, recipient string, typ store.NotificationType, taskID, title, message string, payload map[string]any) {
	payload["wallet_address"] = recipient

	rec := &store.Notification{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Type:      typ,
		TaskID:    taskID,
		Title:     title,
		Message:   message,
		Payload:   store.JSONMap(payload),
	}
	if err := n.recorder.CreateNotification(rec); err != nil {
		log.Printf("[notify] record %s for %s failed: %v", typ, shortAddr(recipient), err)
		return
	}

	if n.pusher == nil {
		return
	}
	data := map[string]string{
		"type":            string(typ),
		"task_id":         taskID,
		"notification_id": rec.ID,
	}
	if err := n.pusher.Push(ctx, recipient, title, message, data); err != nil {
		log.Printf("[notify] push %s to %s failed: %v", typ, shortAddr(recipient), err)
		return
	}
	log.Printf("[notify] %s sent to %s for task %s", typ, shortAddr(recipient), taskID)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
