package bus

import "time"

type Kind string

const (
	KindTaskCreated        Kind = "TaskCreated"
	KindProofSubmitted     Kind = "ProofSubmitted"
	KindTaskPendingRelease Kind = "TaskPendingRelease"
	KindTaskReleased       Kind = "TaskReleased"
	KindTaskDisputed       Kind = "TaskDisputed"
	KindTaskRefunded       Kind = "TaskRefunded"
)

// Ref identifies where on chain an event was observed. TxHash plus
// EventIndex is the idempotency key for the processed-events ledger.
type Ref struct {
	TxHash      string
	EventIndex  int
	BlockHeight int64
	Observed    time.Time
}

func (r Ref) EventRef() Ref { return r }

// Event is one decoded contract event. The set of implementations is
// closed: exactly one per contract event kind, so consumers can switch
// exhaustively instead of probing attribute maps.
type Event interface {
	Kind() Kind
	TaskID() string
	EventRef() Ref
}

type TaskCreated struct {
	Ref
	ID               string
	Payer            string
	Worker           string // empty until a worker is assigned
	Amount           string
	Denom            string
	ProofType        string
	Description      string
	Endpoint         string
	DeadlineTs       string
	ReviewWindowSecs int
}

func (e TaskCreated) Kind() Kind     { return KindTaskCreated }
func (e TaskCreated) TaskID() string { return e.ID }

type ProofSubmitted struct {
	Ref
	ID          string
	Worker      string
	ProofHash   string
	ProofURL    string
	ZkProofHash string
}

func (e ProofSubmitted) Kind() Kind     { return KindProofSubmitted }
func (e ProofSubmitted) TaskID() string { return e.ID }

type TaskPendingRelease struct {
	Ref
	ID         string
	VerifiedAt string
	ExpiresAt  string
}

func (e TaskPendingRelease) Kind() Kind     { return KindTaskPendingRelease }
func (e TaskPendingRelease) TaskID() string { return e.ID }

type TaskReleased struct {
	Ref
	ID     string
	Worker string
	Amount string
}

func (e TaskReleased) Kind() Kind     { return KindTaskReleased }
func (e TaskReleased) TaskID() string { return e.ID }

type TaskDisputed struct {
	Ref
	ID       string
	Disputer string
	Reason   string
}

func (e TaskDisputed) Kind() Kind     { return KindTaskDisputed }
func (e TaskDisputed) TaskID() string { return e.ID }

type TaskRefunded struct {
	Ref
	ID     string
	Payer  string
	Amount string
}

func (e TaskRefunded) Kind() Kind     { return KindTaskRefunded }
func (e TaskRefunded) TaskID() string { return e.ID }
