package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumechat/lume/internal/api"
	"github.com/lumechat/lume/internal/config"
	"github.com/lumechat/lume/internal/store"
)

type mockUploadAPI struct {
	mu          sync.Mutex
	initCalls   int
	chunkCalls  map[int]int
	failChunk   map[int]int // index -> failures to inject before success
	serverHeld  []int
	statusErr   error
	statusCalls int
	completeErr error
}

func newMockUploadAPI() *mockUploadAPI {
	return &mockUploadAPI{
		chunkCalls: make(map[int]int),
		failChunk:  make(map[int]int),
	}
}

func (m *mockUploadAPI) InitUpload(_ context.Context, _ api.InitUploadRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return fmt.Sprintf("sess-%d", m.initCalls), nil
}

func (m *mockUploadAPI) UploadChunk(_ context.Context, _ string, index int, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkCalls[index]++
	if m.failChunk[index] > 0 {
		m.failChunk[index]--
		return fmt.Errorf("chunk %d rejected", index)
	}
	return nil
}

func (m *mockUploadAPI) UploadStatus(_ context.Context, _ string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.serverHeld, nil
}

func (m *mockUploadAPI) CompleteUpload(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return "", m.completeErr
	}
	return "https://cdn.lume.chat/" + sessionID, nil
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

// writeFile creates a file of exactly n bytes.
func writeFile(t *testing.T, name string, n int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() config.Upload {
	return config.Upload{
		MaxFileBytes:     1 << 20,
		ChunkBytes:       1024,
		Concurrency:      1,
		ChunkRetries:     3,
		RetryDelayMillis: 1,
		ResumeWindowHrs:  24,
	}
}

func TestUploadCompletes(t *testing.T) {
	db := testDB(t)
	mock := newMockUploadAPI()
	u := NewUploader(db, mock, testConfig(), nil, nil)

	path := writeFile(t, "photo.jpg", 10*1024)
	task := u.NewTask(path, "image")

	var lastPct float64
	url, err := task.Run(context.Background(), func(pct float64) { lastPct = pct })
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.lume.chat/sess-1" {
		t.Errorf("url = %q", url)
	}
	if task.State() != StateDone {
		t.Errorf("state = %s, want %s", task.State(), StateDone)
	}
	if lastPct != 100 {
		t.Errorf("final progress = %v, want 100", lastPct)
	}
	for i := 0; i < 10; i++ {
		if mock.chunkCalls[i] != 1 {
			t.Errorf("chunk %d uploaded %d times, want 1", i, mock.chunkCalls[i])
		}
	}

	// The checkpoint is gone once the object is finalized.
	sess, err := db.GetUploadSession(task.SessionID())
	if err != nil {
		t.Fatal(err)
	}
	if sess != nil {
		t.Error("session checkpoint survived completion")
	}
}

func TestOversizedFileRejectedBeforeSession(t *testing.T) {
	db := testDB(t)
	mock := newMockUploadAPI()
	cfg := testConfig()
	cfg.MaxFileBytes = 1024
	u := NewUploader(db, mock, cfg, nil, nil)

	path := writeFile(t, "big.bin", 4096)
	task := u.NewTask(path, "file")

	_, err := task.Run(context.Background(), nil)
	var tooLarge *FileTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v, want FileTooLargeError", err)
	}
	if tooLarge.Size != 4096 || tooLarge.Max != 1024 {
		t.Errorf("error = %+v", tooLarge)
	}
	if mock.initCalls != 0 {
		t.Error("session created for oversized file")
	}
	if task.State() != StateError {
		t.Errorf("state = %s, want %s", task.State(), StateError)
	}
}

func TestChunkFailureExhaustsRetriesAndKeepsCheckpoint(t *testing.T) {
	db := testDB(t)
	mock := newMockUploadAPI()
	mock.failChunk[5] = 100 // never succeeds
	u := NewUploader(db, mock, testConfig(), nil, nil)

	path := writeFile(t, "video.mp4", 10*1024)
	task := u.NewTask(path, "video")

	_, err := task.Run(context.Background(), nil)
	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("err = %v, want ChunkError", err)
	}
	if chunkErr.Index != 5 {
		t.Errorf("failed chunk = %d, want 5", chunkErr.Index)
	}
	if mock.chunkCalls[5] != 3 {
		t.Errorf("chunk 5 attempted %d times, want 3", mock.chunkCalls[5])
	}
	if task.State() != StateError {
		t.Errorf("state = %s, want %s", task.State(), StateError)
	}

	// Chunks 0-4 made it and are checkpointed for a later resume.
	sess, err := db.GetUploadSession(task.SessionID())
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil {
		t.Fatal("checkpoint deleted after failure")
	}
	if len(sess.UploadedChunks) != 5 {
		t.Errorf("checkpointed chunks = %v, want 0-4", sess.UploadedChunks)
	}
}

func TestResumeSkipsServerHeldChunks(t *testing.T) {
	db := testDB(t)
	mock := newMockUploadAPI()
	mock.serverHeld = []int{0, 1, 2, 3, 4}
	u := NewUploader(db, mock, testConfig(), nil, nil)

	path := writeFile(t, "video.mp4", 10*1024)
	if err := db.SaveUploadSession(&store.UploadSession{
		SessionID:   "sess-old",
		FileName:    "video.mp4",
		FileSize:    10 * 1024,
		TotalChunks: 10,
		// Local checkpoint disagrees with the server; the server wins.
		UploadedChunks: []int{0, 1},
		SourcePath:     path,
		CreatedAt:      time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	task := u.NewTask(path, "video")
	url, err := task.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.lume.chat/sess-old" {
		t.Errorf("url = %q, want reuse of sess-old", url)
	}
	if mock.initCalls != 0 {
		t.Error("opened a new session despite a resumable one")
	}
	for i := 0; i < 5; i++ {
		if mock.chunkCalls[i] != 0 {
			t.Errorf("chunk %d re-uploaded despite server holding it", i)
		}
	}
	for i := 5; i < 10; i++ {
		if mock.chunkCalls[i] != 1 {
			t.Errorf("chunk %d uploaded %d times, want 1", i, mock.chunkCalls[i])
		}
	}
}

func TestStaleServerSessionStartsFresh(t *testing.T) {
	db := testDB(t)
	mock := newMockUploadAPI()
	mock.statusErr = fmt.Errorf("unknown session")
	u := NewUploader(db, mock, testConfig(), nil, nil)

	path := writeFile(t, "doc.pdf", 4*1024)
	if err := db.SaveUploadSession(&store.UploadSession{
		SessionID: "sess-stale", FileName: "doc.pdf", FileSize: 4 * 1024,
		TotalChunks: 4, SourcePath: path, CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	task := u.NewTask(path, "file")
	if _, err := task.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if mock.initCalls != 1 {
		t.Errorf("init calls = %d, want 1 after stale session", mock.initCalls)
	}
	stale, err := db.GetUploadSession("sess-stale")
	if err != nil {
		t.Fatal(err)
	}
	if stale != nil {
		t.Error("stale checkpoint not cleaned up")
	}
}

func TestExpiredCheckpointIsNotResumed(t *testing.T) {
	db := testDB(t)
	mock := newMockUploadAPI()
	u := NewUploader(db, mock, testConfig(), nil, nil)

	path := writeFile(t, "video.mp4", 4*1024)
	if err := db.SaveUploadSession(&store.UploadSession{
		SessionID: "sess-ancient", FileName: "video.mp4", FileSize: 4 * 1024,
		TotalChunks: 4, SourcePath: path,
		CreatedAt: time.Now().Add(-48 * time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	task := u.NewTask(path, "video")
	if _, err := task.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if mock.statusCalls != 0 {
		t.Error("queried server status for an expired checkpoint")
	}
	if mock.initCalls != 1 {
		t.Errorf("init calls = %d, want 1", mock.initCalls)
	}
}

func TestAbortStopsBeforeCompletion(t *testing.T) {
	db := testDB(t)
	mock := newMockUploadAPI()
	u := NewUploader(db, mock, testConfig(), nil, nil)

	path := writeFile(t, "photo.jpg", 4*1024)
	task := u.NewTask(path, "image")
	task.Abort()

	_, err := task.Run(context.Background(), nil)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if task.State() != StateAborted {
		t.Errorf("state = %s, want %s", task.State(), StateAborted)
	}
}

func TestInvalidStateTransitionsRejected(t *testing.T) {
	m := newMachine()
	if err := m.transition(StateCompleting); err == nil {
		t.Error("idle -> completing should be rejected")
	}
	if err := m.transition(StateSessionResolved); err != nil {
		t.Fatal(err)
	}
	if err := m.transition(StateDone); err == nil {
		t.Error("sessionResolved -> done should be rejected")
	}
}
