package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Status advancement is enforced in SQL so that a stale update can never
// regress a record, regardless of arrival order.
const messageUpsertSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, body, status, sending_time, received_time, seen_time, temp, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		sender_id = excluded.sender_id,
		body = excluded.body,
		status = CASE
			WHEN messages.status = 'seen' THEN messages.status
			WHEN messages.status = 'received' AND excluded.status = 'send' THEN messages.status
			ELSE excluded.status END,
		sending_time = excluded.sending_time,
		received_time = CASE WHEN messages.received_time != 0 THEN messages.received_time ELSE excluded.received_time END,
		seen_time = CASE WHEN messages.seen_time != 0 THEN messages.seen_time ELSE excluded.seen_time END,
		temp = excluded.temp,
		updated_at = excluded.updated_at`

// AddMessage inserts a new message and fails with ErrDuplicateKey if the id
// is already present.
func (db *DB) AddMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, status, sending_time, received_time, seen_time, temp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.Status, m.SendingTime, m.ReceivedTime, m.SeenTime, m.Temp, now)
	if isDuplicate(err) {
		return fmt.Errorf("add message %q: %w", m.ID, ErrDuplicateKey)
	}
	return err
}

// UpsertMessage inserts or updates a message. Status only advances.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(messageUpsertSQL,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.Status, m.SendingTime, m.ReceivedTime, m.SeenTime, m.Temp, now)
	return err
}

// BatchUpsertMessages applies a batch of upserts in one transaction.
// Individual failures are collected into a single BatchError; successfully
// written records stay applied.
func (db *DB) BatchUpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	batchErr := &BatchError{}
	for _, m := range msgs {
		if _, err := tx.Exec(messageUpsertSQL,
			m.ID, m.ConversationID, m.SenderID, m.Body, m.Status, m.SendingTime, m.ReceivedTime, m.SeenTime, m.Temp, now); err != nil {
			batchErr.add(m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return batchErr.orNil()
}

// GetMessage returns a message by id, or nil if not cached.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, body, status, sending_time, received_time, seen_time, temp
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Status, &m.SendingTime, &m.ReceivedTime, &m.SeenTime, &m.Temp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesByConversation returns a conversation's messages ordered by
// sending time. desc reverses the order; limit <= 0 means no limit.
func (db *DB) ListMessagesByConversation(conversationID string, desc bool, limit int) ([]Message, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, status, sending_time, received_time, seen_time, temp
		FROM messages WHERE conversation_id = ?
		ORDER BY sending_time `+order+` LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListMessagesByStatus returns all messages in a given delivery status.
func (db *DB) ListMessagesByStatus(status string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, status, sending_time, received_time, seen_time, temp
		FROM messages WHERE status = ? ORDER BY sending_time ASC`, status)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// DeleteMessage removes a message, typically a temp record superseded by its
// server-assigned id.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Status, &m.SendingTime, &m.ReceivedTime, &m.SeenTime, &m.Temp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func isDuplicate(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}
