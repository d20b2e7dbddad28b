package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumechat/lume/internal/api"
	"github.com/lumechat/lume/internal/store"
)

type mockAPI struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

type sendCall struct {
	ChatID       string
	ClientTempID string
	Body         string
}

func (m *mockAPI) SendMessage(_ context.Context, chatID, clientTempID, body, _ string) (*api.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{ChatID: chatID, ClientTempID: clientTempID, Body: body})
	if m.err != nil {
		return nil, m.err
	}
	return &api.SendResult{ID: "srv-" + clientTempID, Timestamp: time.Now().UnixMilli()}, nil
}

func (m *mockAPI) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockReconciler records the lifecycle calls the sender drives.
type mockReconciler struct {
	mu        sync.Mutex
	applied   []string
	confirmed map[string]string
	failed    []string
	sending   []string
}

func newMockReconciler() *mockReconciler {
	return &mockReconciler{confirmed: make(map[string]string)}
}

func (m *mockReconciler) ApplyLocalSend(_, clientTempID, _, _ string, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, clientTempID)
}

func (m *mockReconciler) ConfirmSend(_, clientTempID, serverID string, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[clientTempID] = serverID
}

func (m *mockReconciler) FailSend(_, clientTempID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, clientTempID)
}

func (m *mockReconciler) MarkSending(_, clientTempID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sending = append(m.sending, clientTempID)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueueInsertsOptimisticallyAndDrains(t *testing.T) {
	db := testDB(t)
	mock := &mockAPI{}
	rec := newMockReconciler()
	s := NewSender(db, mock, rec, nil)

	tempID, err := s.Queue("chat-1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.applied) != 1 || rec.applied[0] != tempID {
		t.Fatalf("optimistic insert not applied: %v", rec.applied)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for mock.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("sender never drained the outbox")
		case <-time.After(50 * time.Millisecond):
		}
	}

	rec.mu.Lock()
	serverID := rec.confirmed[tempID]
	rec.mu.Unlock()
	if serverID != "srv-"+tempID {
		t.Errorf("confirmed server id = %q", serverID)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}
}

// An entry stuck in 'sending' after a crash must not be stranded: the
// next Start returns it to the queue and it drains normally.
func TestStartRequeuesInterruptedSends(t *testing.T) {
	db := testDB(t)
	mock := &mockAPI{}
	rec := newMockReconciler()
	s := NewSender(db, mock, rec, nil)

	tempID, err := s.Queue("chat-1", "interrupted", "")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a daemon crash after the entry was marked sending but
	// before any outcome was recorded.
	if err := db.MarkOutboxSending(tempID); err != nil {
		t.Fatal(err)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("entry in 'sending' should not be pending: %v", pending)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for mock.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("interrupted send was never retried")
		case <-time.After(50 * time.Millisecond):
		}
	}
	mock.mu.Lock()
	got := mock.calls[0].ClientTempID
	mock.mu.Unlock()
	if got != tempID {
		t.Errorf("retried temp id = %q, want %q", got, tempID)
	}
}

func TestFailedSendMarksErrorAndRetries(t *testing.T) {
	db := testDB(t)
	mock := &mockAPI{err: fmt.Errorf("network error")}
	rec := newMockReconciler()
	s := NewSender(db, mock, rec, nil)

	tempID, err := s.Queue("chat-1", "will-fail", "")
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	deadline := time.After(3 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.failed)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sender never reported the failure")
		case <-time.After(50 * time.Millisecond):
		}
	}
	s.Stop()

	// Failed entries are not retried automatically.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("failed entry still pending: %v", pending)
	}

	// A manual retry requeues under the same client temp id.
	mock.mu.Lock()
	mock.err = nil
	mock.mu.Unlock()
	if err := s.Retry("chat-1", tempID); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	sending := append([]string(nil), rec.sending...)
	rec.mu.Unlock()
	if len(sending) != 1 || sending[0] != tempID {
		t.Errorf("retry did not reuse temp id: %v", sending)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientTempID != tempID {
		t.Errorf("requeued entry = %+v", pending)
	}
}
