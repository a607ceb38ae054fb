package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stellarlinkco/proofpay-indexer/internal/store"
)

type fakeRecorder struct {
	records []*store.Notification
	err     error
}

func (f *fakeRecorder) CreateNotification(n *store.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, n)
	return nil
}

type fakePusher struct {
	pushes []pushCall
	err    error
}

type pushCall struct {
	recipient string
	title     string
	message   string
	data      map[string]string
}

func (f *fakePusher) Push(ctx context.Context, recipient, title, message string, data map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, pushCall{recipient, title, message, data})
	return nil
}

func (f *fakeRecorder) byRecipient(addr string) []*store.Notification {
	var out []*store.Notification
	for _, n := range f.records {
		if n.Recipient == addr {
			out = append(out, n)
		}
	}
	return out
}

func sampleTask() *store.Task {
	return &store.Task{
		ID:        "1",
		Payer:     "xion1payer",
		Worker:    "xion1worker",
		Amount:    "1000000",
		Denom:     "uxion",
		ProofType: store.ProofSoft,
		Status:    store.StatusPending,
	}
}

func TestTaskCreated_SkipsOpenTask(t *testing.T) {
	rec := &fakeRecorder{}
	n := New(rec, nil)

	task := sampleTask()
	task.Worker = ""
	n.TaskCreated(context.Background(), task)

	if len(rec.records) != 0 {
		t.Errorf("records = %d, want 0 for open task", len(rec.records))
	}
}

func TestTaskCreated_NotifiesWorker(t *testing.T) {
	rec := &fakeRecorder{}
	push := &fakePusher{}
	n := New(rec, push)

	n.TaskCreated(context.Background(), sampleTask())

	if len(rec.records) != 1 {
		t.Fatalf("records = %d, want 1", len(rec.records))
	}
	r := rec.records[0]
	if r.Recipient != "xion1worker" {
		t.Errorf("recipient = %s, want xion1worker", r.Recipient)
	}
	if r.Type != store.NotifyTaskCreated {
		t.Errorf("type = %s, want %s", r.Type, store.NotifyTaskCreated)
	}
	if r.Title != "New Task Available" {
		t.Errorf("title = %q", r.Title)
	}
	if !strings.Contains(r.Message, "UXION") {
		t.Errorf("message %q missing denom", r.Message)
	}

	if len(push.pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(push.pushes))
	}
	data := push.pushes[0].data
	if data["type"] != string(store.NotifyTaskCreated) || data["task_id"] != "1" {
		t.Errorf("push data = %v", data)
	}
	if data["notification_id"] != r.ID {
		t.Errorf("push notification_id = %q, want record id %q", data["notification_id"], r.ID)
	}
}

func TestProofSubmitted_MessageByProofType(t *testing.T) {
	tests := []struct {
		proofType store.ProofType
		want      string
	}{
		{store.ProofSoft, "Review required."},
		{store.ProofZkTLS, "Auto-verification in progress."},
		{store.ProofHybrid, "Auto-verification in progress."},
	}
	for _, tt := range tests {
		t.Run(string(tt.proofType), func(t *testing.T) {
			rec := &fakeRecorder{}
			n := New(rec, nil)

			task := sampleTask()
			task.ProofType = tt.proofType
			n.ProofSubmitted(context.Background(), task)

			payer := rec.byRecipient("xion1payer")
			if len(payer) != 1 {
				t.Fatalf("payer records = %d, want 1", len(payer))
			}
			if !strings.Contains(payer[0].Message, tt.want) {
				t.Errorf("payer message %q missing %q", payer[0].Message, tt.want)
			}
			if worker := rec.byRecipient("xion1worker"); len(worker) != 1 {
				t.Errorf("worker records = %d, want 1", len(worker))
			}
		})
	}
}

func TestReleased_NotifiesBothParties(t *testing.T) {
	rec := &fakeRecorder{}
	n := New(rec, nil)

	task := sampleTask()
	task.Status = store.StatusReleased
	n.Released(context.Background(), task)

	payer := rec.byRecipient("xion1payer")
	worker := rec.byRecipient("xion1worker")
	if len(payer) != 1 || len(worker) != 1 {
		t.Fatalf("payer/worker records = %d/%d, want 1/1", len(payer), len(worker))
	}
	if payer[0].Title != "Payment Released" {
		t.Errorf("payer title = %q", payer[0].Title)
	}
	if worker[0].Title != "Payment Received" {
		t.Errorf("worker title = %q", worker[0].Title)
	}
	if !strings.Contains(worker[0].Message, "1000000 UXION") {
		t.Errorf("worker message %q missing amount", worker[0].Message)
	}
}

func TestReleased_NoWorkerSingleRecord(t *testing.T) {
	rec := &fakeRecorder{}
	n := New(rec, nil)

	task := sampleTask()
	task.Worker = ""
	n.Released(context.Background(), task)

	if len(rec.records) != 1 {
		t.Errorf("records = %d, want payer only", len(rec.records))
	}
}

func TestSend_RecordFailureSkipsPush(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("insert failed")}
	push := &fakePusher{}
	n := New(rec, push)

	n.Released(context.Background(), sampleTask())

	if len(push.pushes) != 0 {
		t.Errorf("pushes = %d, want 0 when recording fails", len(push.pushes))
	}
}

func TestSend_PushFailureStillRecords(t *testing.T) {
	rec := &fakeRecorder{}
	push := &fakePusher{err: errors.New("fcm down")}
	n := New(rec, push)

	n.Released(context.Background(), sampleTask())

	if len(rec.records) != 2 {
		t.Errorf("records = %d, want 2 despite push failure", len(rec.records))
	}
}

func TestTest(t *testing.T) {
	t.Run("push disabled", func(t *testing.T) {
		n := New(&fakeRecorder{}, nil)
		if !n.Test(context.Background(), "xion1abc") {
			t.Error("Test = false with push disabled, want true")
		}
	})

	t.Run("push ok", func(t *testing.T) {
		push := &fakePusher{}
		n := New(&fakeRecorder{}, push)
		if !n.Test(context.Background(), "xion1abc") {
			t.Error("Test = false, want true")
		}
		if len(push.pushes) != 1 {
			t.Fatalf("pushes = %d, want 1", len(push.pushes))
		}
	})

	t.Run("push failure", func(t *testing.T) {
		push := &fakePusher{err: errors.New("unreachable")}
		n := New(&fakeRecorder{}, push)
		if n.Test(context.Background(), "xion1abc") {
			t.Error("Test = true despite push failure")
		}
	})
}

func TestWalletTopic(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"xion1abcdef", "wallet_xion1abcdef"},
		{"xion1abc-def", "wallet_xion1abc-def"},
		{"xion1abc def!", "wallet_xion1abc_def_"},
	}
	for _, tt := range tests {
		if got := walletTopic(tt.addr); got != tt.want {
			t.Errorf("walletTopic(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
