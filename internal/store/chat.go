package store

import (
	"database/sql"
	"fmt"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	_, err := db.Exec(`
		INSERT INTO chats (id, kind, name, participants, unread_count, member_count, owner_id, last_message_preview, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			participants = excluded.participants,
			unread_count = excluded.unread_count,
			member_count = excluded.member_count,
			owner_id = excluded.owner_id,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, encodeStrings(c.Participants), c.UnreadCount,
		c.MemberCount, c.OwnerID, c.LastMessagePreview, c.LastMessageAt, c.UpdatedAt)
	return err
}

// ReplaceChats replaces the entire persisted chat list in one transaction.
// The reconciler funnels every list mutation through this write so the
// cache and the in-memory view cannot diverge.
func (db *DB) ReplaceChats(chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}
	for _, c := range chats {
		if _, err := tx.Exec(`
			INSERT INTO chats (id, kind, name, participants, unread_count, member_count, owner_id, last_message_preview, last_message_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Kind, c.Name, encodeStrings(c.Participants), c.UnreadCount,
			c.MemberCount, c.OwnerID, c.LastMessagePreview, c.LastMessageAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("insert chat %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListChats returns chats sorted by updated_at descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, kind, name, participants, unread_count, member_count, owner_id, last_message_preview, last_message_at, updated_at
		FROM chats
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	row := db.QueryRow(`
		SELECT id, kind, name, participants, unread_count, member_count, owner_id, last_message_preview, last_message_at, updated_at
		FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteChat removes a chat and its cached messages.
func (db *DB) DeleteChat(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (*Chat, error) {
	var c Chat
	var participants string
	if err := r.Scan(&c.ID, &c.Kind, &c.Name, &participants, &c.UnreadCount,
		&c.MemberCount, &c.OwnerID, &c.LastMessagePreview, &c.LastMessageAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Participants = decodeStrings(participants)
	return &c, nil
}
