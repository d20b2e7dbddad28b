// Package upload implements resumable chunked file uploads. Each task
// runs an enforced state machine; progress checkpoints are persisted so
// an interrupted upload resumes from the server's authoritative chunk
// set instead of restarting.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumechat/lume/internal/api"
	"github.com/lumechat/lume/internal/bus"
	"github.com/lumechat/lume/internal/config"
	"github.com/lumechat/lume/internal/store"
	"go.uber.org/zap"
)

// ErrAborted is returned by Run when the task was cancelled via Abort.
var ErrAborted = errors.New("upload aborted")

// FileTooLargeError rejects a file exceeding the configured limit before
// any session is created.
type FileTooLargeError struct {
	Size int64
	Max  int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file size %d exceeds limit %d", e.Size, e.Max)
}

// ChunkError is a chunk that failed all its retry attempts.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// UploadAPI is the server surface the uploader drives. *api.Client
// satisfies it.
type UploadAPI interface {
	InitUpload(ctx context.Context, req api.InitUploadRequest) (string, error)
	UploadChunk(ctx context.Context, sessionID string, index int, data []byte) error
	UploadStatus(ctx context.Context, sessionID string) ([]int, error)
	CompleteUpload(ctx context.Context, sessionID string) (string, error)
}

// Uploader creates upload tasks bound to the shared store and API client.
type Uploader struct {
	db     *store.DB
	api    UploadAPI
	cfg    config.Upload
	bus    *bus.Bus
	logger *zap.Logger
}

// NewUploader creates an uploader. The logger may be nil.
func NewUploader(db *store.DB, a UploadAPI, cfg config.Upload, b *bus.Bus, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{db: db, api: a, cfg: cfg, bus: b, logger: logger}
}

// NewTask creates a task for one file. Run drives it to completion.
func (u *Uploader) NewTask(path, category string) *Task {
	return &Task{
		uploader: u,
		path:     path,
		category: category,
		machine:  newMachine(),
	}
}

// Task is one upload in flight. A task runs once; retrying a failed or
// aborted upload means creating a new task, which resumes from the
// persisted checkpoint.
type Task struct {
	uploader *Uploader
	path     string
	category string
	machine  *machine
	aborted  atomic.Bool

	sessionID string
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	return t.machine.state()
}

// SessionID returns the resolved upload session id, empty before
// resolution.
func (t *Task) SessionID() string {
	return t.sessionID
}

// Abort requests cancellation. The task stops before the next chunk or
// before completion; chunks already accepted by the server stay there,
// and the local checkpoint is kept for a later resume.
func (t *Task) Abort() {
	t.aborted.Store(true)
}

// Run executes the upload and returns the completed object URL.
func (t *Task) Run(ctx context.Context, onProgress func(pct float64)) (string, error) {
	u := t.uploader

	f, err := os.Open(t.path)
	if err != nil {
		t.fail()
		return "", fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		t.fail()
		return "", fmt.Errorf("stat file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		t.fail()
		return "", fmt.Errorf("refusing to upload empty file %s", t.path)
	}
	if size > u.cfg.MaxFileBytes {
		t.fail()
		return "", &FileTooLargeError{Size: size, Max: u.cfg.MaxFileBytes}
	}

	totalChunks := int((size + u.cfg.ChunkBytes - 1) / u.cfg.ChunkBytes)
	uploaded, sess, err := t.resolveSession(ctx, filepath.Base(t.path), size, totalChunks)
	if err != nil {
		t.fail()
		return "", err
	}
	if err := t.transition(StateSessionResolved); err != nil {
		return "", err
	}
	if t.aborted.Load() {
		_ = t.transition(StateAborted)
		return "", ErrAborted
	}

	if err := t.transition(StateChunksUploading); err != nil {
		return "", err
	}
	if err := t.uploadChunks(ctx, f, size, totalChunks, uploaded, sess, onProgress); err != nil {
		if errors.Is(err, ErrAborted) {
			_ = t.transition(StateAborted)
		} else {
			_ = t.transition(StateError)
		}
		return "", err
	}

	if t.aborted.Load() {
		_ = t.transition(StateAborted)
		return "", ErrAborted
	}
	if err := t.transition(StateCompleting); err != nil {
		return "", err
	}
	url, err := u.api.CompleteUpload(ctx, t.sessionID)
	if err != nil {
		_ = t.transition(StateError)
		return "", fmt.Errorf("complete upload: %w", err)
	}
	_ = t.transition(StateDone)
	if onProgress != nil {
		onProgress(100)
	}
	if err := u.db.DeleteUploadSession(t.sessionID); err != nil {
		u.logger.Warn("failed to delete upload session", zap.Error(err))
	}
	u.logger.Info("upload complete",
		zap.String("session_id", t.sessionID),
		zap.String("file", t.path),
		zap.String("url", url))
	return url, nil
}

// resolveSession reuses a recent checkpoint for the same (fileName, size)
// pair, asking the server which chunks it already holds; the server's
// answer overrides the local checkpoint. Otherwise it opens a fresh
// session and persists it before the first chunk.
func (t *Task) resolveSession(ctx context.Context, fileName string, size int64, totalChunks int) (map[int]bool, *store.UploadSession, error) {
	u := t.uploader
	now := time.Now()
	uploaded := make(map[int]bool)

	sess, err := u.db.FindResumableSession(fileName, size, now.Add(-u.cfg.ResumeWindow()).UnixMilli())
	if err != nil {
		return nil, nil, fmt.Errorf("find resumable session: %w", err)
	}
	if sess != nil {
		serverChunks, err := u.api.UploadStatus(ctx, sess.SessionID)
		if err != nil {
			// The server no longer knows this session; drop the stale
			// checkpoint and start over.
			u.logger.Warn("stale upload session", zap.String("session_id", sess.SessionID), zap.Error(err))
			_ = u.db.DeleteUploadSession(sess.SessionID)
			sess = nil
		} else {
			for _, i := range serverChunks {
				uploaded[i] = true
			}
			t.sessionID = sess.SessionID
			u.logger.Info("resuming upload",
				zap.String("session_id", sess.SessionID),
				zap.Int("server_chunks", len(serverChunks)))
		}
	}
	if sess == nil {
		mimeType := mime.TypeByExtension(filepath.Ext(fileName))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		id, err := u.api.InitUpload(ctx, api.InitUploadRequest{
			Filename: fileName,
			FileSize: size,
			MimeType: mimeType,
			Category: t.category,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init upload: %w", err)
		}
		sess = &store.UploadSession{
			SessionID:   id,
			FileName:    fileName,
			FileSize:    size,
			TotalChunks: totalChunks,
			Category:    t.category,
			SourcePath:  t.path,
			CreatedAt:   now.UnixMilli(),
		}
		if err := u.db.SaveUploadSession(sess); err != nil {
			return nil, nil, fmt.Errorf("persist upload session: %w", err)
		}
		t.sessionID = id
	}
	return uploaded, sess, nil
}

// uploadChunks sends every chunk the server does not already hold, a
// bounded number in flight at a time, checkpointing after each success.
func (t *Task) uploadChunks(ctx context.Context, f *os.File, size int64, totalChunks int, uploaded map[int]bool, sess *store.UploadSession, onProgress func(pct float64)) error {
	u := t.uploader
	sem := make(chan struct{}, u.cfg.Concurrency)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	// Snapshot the server-held set up front; workers mutate the live map
	// under mu as chunks land.
	skip := make(map[int]bool, len(uploaded))
	for idx := range uploaded {
		skip[idx] = true
	}

	for idx := 0; idx < totalChunks; idx++ {
		if skip[idx] {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			// A failed sibling or a cooperative abort stops the remaining
			// chunks; anything already accepted stays accepted.
			mu.Lock()
			stop := firstErr != nil
			mu.Unlock()
			if stop || t.aborted.Load() {
				return
			}

			data, err := readChunk(f, idx, u.cfg.ChunkBytes, size)
			if err == nil {
				err = t.sendChunk(ctx, idx, data)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			uploaded[idx] = true
			sess.UploadedChunks = sortedKeys(uploaded)
			if perr := u.db.SaveUploadSession(sess); perr != nil {
				u.logger.Warn("failed to checkpoint upload", zap.Error(perr))
			}
			if onProgress != nil {
				// Completion holds the last 5 percent.
				onProgress(float64(len(uploaded)) / float64(totalChunks) * 95)
			}
		}(idx)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if t.aborted.Load() {
		return ErrAborted
	}
	return nil
}

func (t *Task) sendChunk(ctx context.Context, idx int, data []byte) error {
	u := t.uploader
	var lastErr error
	for attempt := 1; attempt <= u.cfg.ChunkRetries; attempt++ {
		if t.aborted.Load() {
			return ErrAborted
		}
		lastErr = u.api.UploadChunk(ctx, t.sessionID, idx, data)
		if lastErr == nil {
			return nil
		}
		u.logger.Warn("chunk upload failed",
			zap.Int("chunk", idx),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < u.cfg.ChunkRetries {
			select {
			case <-time.After(u.cfg.RetryDelay()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &ChunkError{Index: idx, Err: lastErr}
}

func (t *Task) fail() {
	_ = t.transition(StateError)
}

func (t *Task) transition(to State) error {
	if err := t.machine.transition(to); err != nil {
		return err
	}
	if t.uploader.bus != nil {
		t.uploader.bus.Publish(bus.Event{
			Kind:      "upload.state_changed",
			Timestamp: time.Now(),
			Payload:   StateChange{SessionID: t.sessionID, State: to},
		})
	}
	return nil
}

// StateChange is the payload for upload state change events.
type StateChange struct {
	SessionID string
	State     State
}

func readChunk(f *os.File, idx int, chunkBytes, size int64) ([]byte, error) {
	offset := int64(idx) * chunkBytes
	n := chunkBytes
	if offset+n > size {
		n = size - offset
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", idx, err)
	}
	return buf, nil
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
