// Package mediacache stores downloaded media on disk under a manifest
// with age and total-size limits. Entries whose backing file disappears
// are evicted on access, and the total is recomputed from the manifest
// rows, so external tampering heals instead of corrupting the cache.
package mediacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/lumechat/lume/internal/config"
	"github.com/lumechat/lume/internal/store"
	"go.uber.org/zap"
)

// Downloader streams a URL to a writer. *api.Client satisfies it.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer, onProgress func(written, total int64)) (int64, error)
}

// Cache is the on-disk media cache.
type Cache struct {
	dir    string
	db     *store.DB
	api    Downloader
	cfg    config.Media
	logger *zap.Logger
}

// New creates a media cache rooted at dir. The logger may be nil.
func New(dir string, db *store.DB, api Downloader, cfg config.Media, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{dir: dir, db: db, api: api, cfg: cfg, logger: logger}
}

// CachedPath returns the local path for a URL if it is cached and the
// file still exists. A manifest entry whose file was removed externally
// is evicted and reported as a miss.
func (c *Cache) CachedPath(mediaURL string) (string, bool) {
	entry, err := c.db.GetMediaEntry(urlKey(mediaURL))
	if err != nil || entry == nil {
		return "", false
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		// Self-heal: the file is gone, the manifest row must go too.
		_ = c.db.DeleteMediaEntry(entry.URLKey)
		return "", false
	}
	return entry.LocalPath, true
}

// Fetch returns the local path for a URL, downloading it on a miss.
// After every successful download the age and size limits are enforced.
func (c *Cache) Fetch(ctx context.Context, mediaURL string, onProgress func(written, total int64)) (string, error) {
	if path, ok := c.CachedPath(mediaURL); ok {
		return path, nil
	}

	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	key := urlKey(mediaURL)
	path := filepath.Join(c.dir, key+extension(mediaURL))

	// Download to a temp file first so a partial download never shows up
	// as a cached entry.
	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	written, err := c.api.Download(ctx, mediaURL, tmp, onProgress)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("download media: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("move into cache: %w", err)
	}

	if err := c.db.UpsertMediaEntry(&store.MediaEntry{
		URLKey:    key,
		URL:       mediaURL,
		LocalPath: path,
		SizeBytes: written,
		CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		return "", fmt.Errorf("record cache entry: %w", err)
	}

	c.enforceLimits()
	return path, nil
}

// TotalSize returns the cache's current total, summed from the manifest.
func (c *Cache) TotalSize() (int64, error) {
	return c.db.MediaTotalSize()
}

// enforceLimits evicts entries older than the max age, then the oldest
// entries until the total fits under the size limit.
func (c *Cache) enforceLimits() {
	entries, err := c.db.ListMediaEntries()
	if err != nil {
		c.logger.Warn("failed to list media entries", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-c.cfg.MaxAge()).UnixMilli()
	var total int64
	var kept []store.MediaEntry
	for _, e := range entries {
		if e.CreatedAt < cutoff {
			c.evict(e)
			continue
		}
		total += e.SizeBytes
		kept = append(kept, e)
	}

	// kept is oldest first, so evicting from the front is LRU-by-age.
	for i := 0; total > c.cfg.MaxTotalBytes && i < len(kept); i++ {
		c.evict(kept[i])
		total -= kept[i].SizeBytes
	}
}

func (c *Cache) evict(e store.MediaEntry) {
	if err := os.Remove(e.LocalPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove cached file", zap.String("path", e.LocalPath), zap.Error(err))
	}
	if err := c.db.DeleteMediaEntry(e.URLKey); err != nil {
		c.logger.Warn("failed to evict manifest entry", zap.String("url_key", e.URLKey), zap.Error(err))
	}
}

// urlKey canonicalizes a media URL into a stable filesystem-safe key.
func urlKey(mediaURL string) string {
	sum := sha256.Sum256([]byte(mediaURL))
	return hex.EncodeToString(sum[:16])
}

// extension preserves the URL path's extension so previewers can sniff
// the file type; query strings never leak into the name.
func extension(mediaURL string) string {
	u, err := url.Parse(mediaURL)
	if err != nil {
		return ""
	}
	return filepath.Ext(u.Path)
}
