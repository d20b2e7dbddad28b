package store

// UpsertMediaEntry records a cached download in the manifest.
func (db *DB) UpsertMediaEntry(e *MediaEntry) error {
	_, err := db.Exec(`
		INSERT INTO media_cache (url_key, url, local_path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url_key) DO UPDATE SET
			local_path = excluded.local_path,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at`,
		e.URLKey, e.URL, e.LocalPath, e.SizeBytes, e.CreatedAt)
	return err
}

// GetMediaEntry returns the manifest entry for a url key, or nil if absent.
func (db *DB) GetMediaEntry(urlKey string) (*MediaEntry, error) {
	rows, err := db.Query(`
		SELECT url_key, url, local_path, size_bytes, created_at
		FROM media_cache WHERE url_key = ?`, urlKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e MediaEntry
	if err := rows.Scan(&e.URLKey, &e.URL, &e.LocalPath, &e.SizeBytes, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteMediaEntry evicts a manifest entry.
func (db *DB) DeleteMediaEntry(urlKey string) error {
	_, err := db.Exec(`DELETE FROM media_cache WHERE url_key = ?`, urlKey)
	return err
}

// ListMediaEntries returns all manifest entries ordered oldest first,
// which is the eviction order.
func (db *DB) ListMediaEntries() ([]MediaEntry, error) {
	rows, err := db.Query(`
		SELECT url_key, url, local_path, size_bytes, created_at
		FROM media_cache ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []MediaEntry
	for rows.Next() {
		var e MediaEntry
		if err := rows.Scan(&e.URLKey, &e.URL, &e.LocalPath, &e.SizeBytes, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MediaTotalSize returns the summed size of all manifest entries. The total
// is always derived from the entries themselves, so a stale cumulative value
// can never survive a reload.
func (db *DB) MediaTotalSize() (int64, error) {
	var total int64
	err := db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM media_cache`).Scan(&total)
	return total, err
}
