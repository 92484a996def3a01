package store

import (
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `seq, server_id, temp_id, conversation_id, sender_id, sender_name, content, created_at, is_pinned, status, origin, provenance`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.Seq, &m.ServerID, &m.TempID, &m.ConversationID, &m.SenderID,
		&m.SenderName, &m.Content, &m.CreatedAt, &m.IsPinned, &m.Status, &m.Origin, &m.Provenance)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Append inserts a new message row and returns its arrival sequence number.
func (db *DB) Append(m *Message) (int64, error) {
	if m.Provenance == "" {
		m.Provenance = ProvenanceAppended
	}
	res, err := db.Exec(`
		INSERT INTO messages (server_id, temp_id, conversation_id, sender_id, sender_name, content, created_at, is_pinned, status, origin, provenance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ServerID, m.TempID, m.ConversationID, m.SenderID, m.SenderName,
		m.Content, m.CreatedAt, m.IsPinned, m.Status, m.Origin, m.Provenance)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.Seq = seq
	return seq, nil
}

// GetByServerID returns the message with the given server id, or nil.
func (db *DB) GetByServerID(serverID string) (*Message, error) {
	if serverID == "" {
		return nil, nil
	}
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE server_id = ?`, serverID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetByTempID returns the optimistic message with the given temp id, or nil.
func (db *DB) GetByTempID(tempID string) (*Message, error) {
	if tempID == "" {
		return nil, nil
	}
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE temp_id = ?`, tempID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetByRef resolves either a server id or a temp id to a message, or nil.
func (db *DB) GetByRef(ref string) (*Message, error) {
	m, err := db.GetByServerID(ref)
	if err != nil || m != nil {
		return m, err
	}
	return db.GetByTempID(ref)
}

// Promote mutates an optimistic row in place into its confirmed identity:
// assigns the server id, flips origin, sets status to "sent". The row keeps
// its seq and created_at, so renderer row identity and display position are
// preserved.
func (db *DB) Promote(tempID, serverID string) error {
	res, err := db.Exec(`
		UPDATE messages
		SET server_id = ?, temp_id = '', origin = ?, status = ?, provenance = ?
		WHERE temp_id = ?`,
		serverID, OriginConfirmed, StatusSent, ProvenancePromoted, tempID)
	if err != nil {
		return fmt.Errorf("promote message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("promote message: no optimistic row with temp id %s", tempID)
	}
	return nil
}

// SetStatus writes a delivery status on the row matching ref (server id or
// temp id). Monotonicity is enforced by the status tracker, not here.
func (db *DB) SetStatus(ref, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE server_id = ? OR temp_id = ?`, status, ref, ref)
	return err
}

// SetPinned updates the pinned flag on a confirmed message.
func (db *DB) SetPinned(serverID string, pinned bool) error {
	_, err := db.Exec(`UPDATE messages SET is_pinned = ? WHERE server_id = ?`, pinned, serverID)
	return err
}

// DeleteByTempID removes a failed optimistic message.
func (db *DB) DeleteByTempID(tempID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE temp_id = ?`, tempID)
	return err
}

// Snapshot returns the conversation timeline ordered by created_at with the
// arrival sequence as tie-break. The returned slice is a value copy; callers
// may hold it across further mutations.
func (db *DB) Snapshot(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC`, conversationID)
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

// OldestLoaded returns the created_at of the oldest loaded message in the
// conversation. ok is false when the conversation has no loaded messages.
func (db *DB) OldestLoaded(conversationID string) (int64, bool, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MIN(created_at) FROM messages WHERE conversation_id = ?`, conversationID).
		Scan(&ts)
	if err != nil {
		return 0, false, err
	}
	return ts.Int64, ts.Valid, nil
}

// PrependBatch splices a history page into the store inside one transaction.
// Rows whose server id is already present are skipped, so replaying a page is
// harmless. Returns the number of rows actually inserted.
func (db *DB) PrependBatch(msgs []Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, m := range msgs {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO messages (server_id, temp_id, conversation_id, sender_id, sender_name, content, created_at, is_pinned, status, origin, provenance)
			VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ServerID, m.ConversationID, m.SenderID, m.SenderName,
			m.Content, m.CreatedAt, m.IsPinned, m.Status, OriginConfirmed, ProvenancePaged)
		if err != nil {
			return 0, fmt.Errorf("prepend message: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// HasConfirmedDuplicate reports whether a confirmed message with the same
// sender and content exists within windowMs of createdAt. Guards against
// transport double-delivery of a message under a fresh server id.
func (db *DB) HasConfirmedDuplicate(conversationID, senderID, content string, createdAt, windowMs int64) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND content = ?
		  AND origin = ? AND ABS(created_at - ?) < ?`,
		conversationID, senderID, content, OriginConfirmed, createdAt, windowMs).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Compact is the pure, idempotent duplicate sweep: among live-appended
// confirmed rows with equal conversation, sender, and content whose
// created_at lie within windowMs of each other, only the earliest-arrived
// row survives. Promoted and paged rows are never touched; each of those
// owns a distinct identity even when content and timing collide, so removing
// one would drop a delivered message. Safe to run on a timer or
// opportunistically before a render.
func (db *DB) Compact(windowMs int64) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM messages WHERE seq IN (
			SELECT b.seq FROM messages a
			JOIN messages b ON a.conversation_id = b.conversation_id
			 AND a.sender_id = b.sender_id
			 AND a.content = b.content
			 AND a.origin = ? AND b.origin = ?
			 AND a.provenance = ? AND b.provenance = ?
			 AND b.seq > a.seq
			 AND ABS(b.created_at - a.created_at) < ?
		)`, OriginConfirmed, OriginConfirmed, ProvenanceAppended, ProvenanceAppended, windowMs)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return res.RowsAffected()
}

// nowMilli is the single clock read used by store helpers.
func nowMilli() int64 { return time.Now().UnixMilli() }

// Delivery status values for local-authored messages.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
)
