package mediacache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumechat/lume/internal/config"
	"github.com/lumechat/lume/internal/store"
)

type mockDownloader struct {
	payloads map[string][]byte
	calls    int
}

func (m *mockDownloader) Download(_ context.Context, url string, w io.Writer, onProgress func(written, total int64)) (int64, error) {
	m.calls++
	data, ok := m.payloads[url]
	if !ok {
		return 0, fmt.Errorf("no payload for %s", url)
	}
	n, err := w.Write(data)
	if onProgress != nil {
		onProgress(int64(n), int64(len(data)))
	}
	return int64(n), err
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

func testCache(t *testing.T, cfg config.Media) (*Cache, *mockDownloader, *store.DB) {
	t.Helper()
	db := testDB(t)
	dl := &mockDownloader{payloads: make(map[string][]byte)}
	return New(t.TempDir(), db, dl, cfg, nil), dl, db
}

func defaultMediaConfig() config.Media {
	return config.Media{MaxAgeDays: 14, MaxTotalBytes: 512 << 20}
}

func TestFetchDownloadsOnceAndHitsAfter(t *testing.T) {
	c, dl, _ := testCache(t, defaultMediaConfig())
	dl.payloads["https://cdn.lume.chat/a.jpg"] = []byte("image-bytes")

	path, err := c.Fetch(context.Background(), "https://cdn.lume.chat/a.jpg", nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "image-bytes" {
		t.Errorf("cached content = %q", data)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Errorf("cached path %q lost its extension", path)
	}

	again, err := c.Fetch(context.Background(), "https://cdn.lume.chat/a.jpg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if again != path {
		t.Errorf("second fetch path = %q, want %q", again, path)
	}
	if dl.calls != 1 {
		t.Errorf("download calls = %d, want 1", dl.calls)
	}
}

func TestMissingFileHealsToMiss(t *testing.T) {
	c, dl, _ := testCache(t, defaultMediaConfig())
	dl.payloads["https://cdn.lume.chat/a.jpg"] = []byte("image-bytes")

	path, err := c.Fetch(context.Background(), "https://cdn.lume.chat/a.jpg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.CachedPath("https://cdn.lume.chat/a.jpg"); ok {
		t.Error("hit reported for a file removed externally")
	}

	// The next fetch re-downloads instead of erroring.
	if _, err := c.Fetch(context.Background(), "https://cdn.lume.chat/a.jpg", nil); err != nil {
		t.Fatal(err)
	}
	if dl.calls != 2 {
		t.Errorf("download calls = %d, want 2", dl.calls)
	}
}

func TestSizeLimitEvictsOldestFirst(t *testing.T) {
	cfg := defaultMediaConfig()
	cfg.MaxTotalBytes = 25
	c, dl, _ := testCache(t, cfg)

	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://cdn.lume.chat/f%d.bin", i)
		dl.payloads[url] = make([]byte, 10)
		if _, err := c.Fetch(context.Background(), url, nil); err != nil {
			t.Fatal(err)
		}
		// Distinct created_at timestamps keep eviction order stable.
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := c.CachedPath("https://cdn.lume.chat/f0.bin"); ok {
		t.Error("oldest entry survived the size limit")
	}
	for i := 1; i < 3; i++ {
		url := fmt.Sprintf("https://cdn.lume.chat/f%d.bin", i)
		if _, ok := c.CachedPath(url); !ok {
			t.Errorf("entry %d evicted, want kept", i)
		}
	}
	total, err := c.TotalSize()
	if err != nil {
		t.Fatal(err)
	}
	if total > cfg.MaxTotalBytes {
		t.Errorf("total = %d, want <= %d", total, cfg.MaxTotalBytes)
	}
}

func TestAgeLimitEvictsExpiredEntries(t *testing.T) {
	c, dl, db := testCache(t, defaultMediaConfig())
	dl.payloads["https://cdn.lume.chat/new.jpg"] = []byte("fresh")

	// Plant an entry past the age limit with a real backing file.
	oldPath := filepath.Join(c.dir, "old.bin")
	if err := os.WriteFile(oldPath, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMediaEntry(&store.MediaEntry{
		URLKey:    urlKey("https://cdn.lume.chat/old.bin"),
		URL:       "https://cdn.lume.chat/old.bin",
		LocalPath: oldPath,
		SizeBytes: 5,
		CreatedAt: time.Now().Add(-15 * 24 * time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Fetch(context.Background(), "https://cdn.lume.chat/new.jpg", nil); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.CachedPath("https://cdn.lume.chat/old.bin"); ok {
		t.Error("expired entry survived")
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expired file not removed from disk")
	}
}

func TestTotalSizeDerivedFromManifest(t *testing.T) {
	c, dl, db := testCache(t, defaultMediaConfig())
	dl.payloads["https://cdn.lume.chat/a.bin"] = make([]byte, 100)
	dl.payloads["https://cdn.lume.chat/b.bin"] = make([]byte, 50)

	for _, u := range []string{"https://cdn.lume.chat/a.bin", "https://cdn.lume.chat/b.bin"} {
		if _, err := c.Fetch(context.Background(), u, nil); err != nil {
			t.Fatal(err)
		}
	}
	total, err := c.TotalSize()
	if err != nil {
		t.Fatal(err)
	}
	if total != 150 {
		t.Errorf("total = %d, want 150", total)
	}

	// Deleting a row brings the derived total down with it.
	if err := db.DeleteMediaEntry(urlKey("https://cdn.lume.chat/a.bin")); err != nil {
		t.Fatal(err)
	}
	total, err = c.TotalSize()
	if err != nil {
		t.Fatal(err)
	}
	if total != 50 {
		t.Errorf("total after delete = %d, want 50", total)
	}
}

func TestFailedDownloadLeavesNoEntry(t *testing.T) {
	c, _, _ := testCache(t, defaultMediaConfig())

	if _, err := c.Fetch(context.Background(), "https://cdn.lume.chat/missing.jpg", nil); err == nil {
		t.Fatal("expected download error")
	}
	if _, ok := c.CachedPath("https://cdn.lume.chat/missing.jpg"); ok {
		t.Error("failed download left a cache entry")
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("leftover file in cache dir: %s", e.Name())
	}
}
