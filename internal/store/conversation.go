package store

import (
	"database/sql"
	"fmt"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, is_group, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.IsGroup, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, nowMilli())
	return err
}

// TouchConversation refreshes the denormalized last-message pointer after a
// store mutation. last_message_at only moves forward. incrementUnread is set
// for confirmed messages from remote senders.
func (db *DB) TouchConversation(id string, lastMessageAt int64, preview string, incrementUnread bool) error {
	bump := 0
	if incrementUnread {
		bump = 1
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unread_count = conversations.unread_count + ?,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE
				WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview
				ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		id, bump, lastMessageAt, preview, nowMilli(), bump)
	return err
}

// ResetUnread zeroes the unread counter, typically when the conversation
// becomes active and its messages are marked seen.
func (db *DB) ResetUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	return err
}

// GetConversation returns a single conversation by id, or nil.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, name, is_group, unread_count, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, is_group, unread_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SetParticipants replaces the ordered participant list of a conversation.
func (db *DB) SetParticipants(conversationID string, parts []Participant) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM participants WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for i, p := range parts {
		if _, err := tx.Exec(`
			INSERT INTO participants (conversation_id, user_id, presence_key, display_name, position)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID, p.UserID, p.PresenceKey, p.DisplayName, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Participants returns the ordered participant list of a conversation.
func (db *DB) Participants(conversationID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, presence_key, display_name, position
		FROM participants WHERE conversation_id = ?
		ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.PresenceKey, &p.DisplayName, &p.Position); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}
