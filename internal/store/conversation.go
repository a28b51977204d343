package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation header.
// last_message_date never moves backwards, so it always equals the max
// sending time of synced messages.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant, start_date, last_message_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant = excluded.participant,
			start_date = CASE WHEN conversations.start_date != 0 THEN conversations.start_date ELSE excluded.start_date END,
			last_message_date = MAX(conversations.last_message_date, excluded.last_message_date),
			updated_at = excluded.updated_at`,
		c.ID, c.Participant, c.StartDate, c.LastMessageDate, now)
	return err
}

// GetConversation returns a conversation by id, or nil if not cached.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	return db.queryConversation(`
		SELECT id, participant, start_date, last_message_date
		FROM conversations WHERE id = ?`, id)
}

// GetConversationByParticipant looks a conversation up by the other party's
// id, or nil if not cached.
func (db *DB) GetConversationByParticipant(participant string) (*Conversation, error) {
	return db.queryConversation(`
		SELECT id, participant, start_date, last_message_date
		FROM conversations WHERE participant = ?`, participant)
}

// ListConversations returns all conversations, most recent activity first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant, start_date, last_message_date
		FROM conversations ORDER BY last_message_date DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Participant, &c.StartDate, &c.LastMessageDate); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// LastMessageDate returns the most recent last_message_date across all
// cached conversations, the watermark for delta pulls. Zero when the cache
// is empty.
func (db *DB) LastMessageDate() (int64, error) {
	var ts int64
	err := db.QueryRow(`SELECT COALESCE(MAX(last_message_date), 0) FROM conversations`).Scan(&ts)
	return ts, err
}

func (db *DB) queryConversation(query string, arg any) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(query, arg).Scan(&c.ID, &c.Participant, &c.StartDate, &c.LastMessageDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
