package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, client_temp_id, sender_id, sender_name, body, media_url, status, read_by, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			client_temp_id = excluded.client_temp_id,
			sender_name = excluded.sender_name,
			body = excluded.body,
			media_url = excluded.media_url,
			status = excluded.status,
			read_by = excluded.read_by,
			timestamp = excluded.timestamp`,
		m.ChatID, m.MsgID, m.ClientTempID, m.SenderID, m.SenderName, m.Body,
		m.MediaURL, m.Status, encodeStrings(m.ReadBy), m.Timestamp, now)
	return err
}

// GetMessage returns a message by chat and server/temp id, or nil if absent.
func (db *DB) GetMessage(chatID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, chat_id, msg_id, client_temp_id, sender_id, sender_name, body, media_url, status, read_by, timestamp
		FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage removes a single message.
func (db *DB) DeleteMessage(chatID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, client_temp_id, sender_id, sender_name, body, media_url, status, read_by, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var readBy string
	if err := r.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.ClientTempID, &m.SenderID,
		&m.SenderName, &m.Body, &m.MediaURL, &m.Status, &readBy, &m.Timestamp); err != nil {
		return nil, err
	}
	m.ReadBy = decodeStrings(readBy)
	return &m, nil
}
