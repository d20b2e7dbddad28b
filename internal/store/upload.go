package store

import (
	"database/sql"
)

// SaveUploadSession inserts or updates an upload session checkpoint.
// The uploader persists after the session is created and after every
// successful chunk so progress survives a crash between chunks.
func (db *DB) SaveUploadSession(s *UploadSession) error {
	_, err := db.Exec(`
		INSERT INTO upload_sessions (session_id, file_name, file_size, total_chunks, uploaded_chunks, category, source_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			uploaded_chunks = excluded.uploaded_chunks`,
		s.SessionID, s.FileName, s.FileSize, s.TotalChunks,
		encodeInts(s.UploadedChunks), s.Category, s.SourcePath, s.CreatedAt)
	return err
}

// FindResumableSession returns the newest session matching the exact
// (fileName, fileSize) pair created at or after minCreatedAt, or nil.
func (db *DB) FindResumableSession(fileName string, fileSize, minCreatedAt int64) (*UploadSession, error) {
	row := db.QueryRow(`
		SELECT session_id, file_name, file_size, total_chunks, uploaded_chunks, category, source_path, created_at
		FROM upload_sessions
		WHERE file_name = ? AND file_size = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1`, fileName, fileSize, minCreatedAt)
	s, err := scanUploadSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetUploadSession returns a session by id, or nil if absent.
func (db *DB) GetUploadSession(sessionID string) (*UploadSession, error) {
	row := db.QueryRow(`
		SELECT session_id, file_name, file_size, total_chunks, uploaded_chunks, category, source_path, created_at
		FROM upload_sessions WHERE session_id = ?`, sessionID)
	s, err := scanUploadSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DeleteUploadSession removes a session after completion or explicit abort.
func (db *DB) DeleteUploadSession(sessionID string) error {
	_, err := db.Exec(`DELETE FROM upload_sessions WHERE session_id = ?`, sessionID)
	return err
}

func scanUploadSession(r rowScanner) (*UploadSession, error) {
	var s UploadSession
	var chunks string
	if err := r.Scan(&s.SessionID, &s.FileName, &s.FileSize, &s.TotalChunks,
		&chunks, &s.Category, &s.SourcePath, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.UploadedChunks = decodeInts(chunks)
	return &s, nil
}
