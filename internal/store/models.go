package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type TaskStatus string

const (
	StatusPending        TaskStatus = "pending"
	StatusProofSubmitted TaskStatus = "proof_submitted"
	StatusPendingRelease TaskStatus = "pending_release"
	StatusReleased       TaskStatus = "released"
	StatusDisputed       TaskStatus = "disputed"
	StatusRefunded       TaskStatus = "refunded"
)

// Terminal reports whether a status admits no further mutation.
func (s TaskStatus) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

type ProofType string

const (
	ProofSoft   ProofType = "soft"
	ProofZkTLS  ProofType = "zktls"
	ProofHybrid ProofType = "hybrid"
)

type ActivityVerb string

const (
	VerbCreatedTask     ActivityVerb = "created_task"
	VerbSubmittedProof  ActivityVerb = "submitted_proof"
	VerbReleasedPayment ActivityVerb = "released_payment"
	VerbDisputedTask    ActivityVerb = "disputed_task"
)

type NotificationType string

const (
	NotifyTaskCreated           NotificationType = "task_created"
	NotifyProofSubmitted        NotificationType = "proof_submitted"
	NotifyPendingReleaseStarted NotificationType = "pending_release_started"
	NotifyTaskReleased          NotificationType = "task_released"
	NotifyTaskDisputed          NotificationType = "task_disputed"
	NotifyTaskRefunded          NotificationType = "task_refunded"
)

// Task is the off-chain projection of one on-chain escrow job. Rows are
// created by TaskCreated events and mutated in place; they are never
// deleted. PendingReleaseExpiresAt is set exactly while the status is
// pending_release.
type Task struct {
	ID                      string     `json:"id" gorm:"primaryKey"`
	Payer                   string     `json:"payer" gorm:"index;not null"`
	Worker                  string     `json:"worker"`
	Amount                  string     `json:"amount" gorm:"not null"`
	Denom                   string     `json:"denom"`
	ProofType               ProofType  `json:"proof_type"`
	Status                  TaskStatus `json:"status" gorm:"index"`
	Description             string     `json:"description"`
	Endpoint                string     `json:"endpoint"`
	EvidenceHash            string     `json:"evidence_hash"`
	ZkProofHash             string     `json:"zk_proof_hash"`
	DeadlineTs              string     `json:"deadline_ts"`
	ReviewWindowSecs        int        `json:"review_window_secs"`
	VerifiedAt              *time.Time `json:"verified_at"`
	PendingReleaseExpiresAt *time.Time `json:"pending_release_expires_at" gorm:"index"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// ProcessedEvent is the idempotency ledger: one write-once row per
// (transaction, event index) pair that has been fully applied.
type ProcessedEvent struct {
	TxHash      string    `gorm:"primaryKey"`
	EventIndex  int       `gorm:"primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

// ActivityFeedEntry is one row of the append-only audit log.
type ActivityFeedEntry struct {
	ID        string         `json:"id" gorm:"primaryKey"`
	Actor     string         `json:"actor" gorm:"index"`
	Verb      ActivityVerb   `json:"verb"`
	TaskID    string         `json:"task_id" gorm:"index"`
	Meta      datatypes.JSON `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification records an attempted user notification. The row exists
// whether or not push delivery succeeds.
type Notification struct {
	ID        string           `json:"id" gorm:"primaryKey"`
	Recipient string           `json:"recipient" gorm:"index"`
	Type      NotificationType `json:"type"`
	TaskID    string           `json:"task_id" gorm:"index"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Payload   datatypes.JSON   `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at"`
}

// JSONMap marshals free-form metadata for a datatypes.JSON column.
func JSONMap(m map[string]any) datatypes.JSON {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
