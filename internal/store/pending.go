package store

import (
	"database/sql"
	"fmt"
)

const pendingColumns = `temp_id, conversation_id, sender_id, content, created_at, deadline, buffered_status`

func scanPending(row interface{ Scan(...any) error }) (*PendingSend, error) {
	var p PendingSend
	err := row.Scan(&p.TempID, &p.ConversationID, &p.SenderID, &p.Content,
		&p.CreatedAt, &p.Deadline, &p.BufferedStatus)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPending returns the pending entry for tempID without resolving it, or nil.
func (db *DB) GetPending(tempID string) (*PendingSend, error) {
	p, err := scanPending(db.QueryRow(`SELECT `+pendingColumns+` FROM pending_sends WHERE temp_id = ?`, tempID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// RegisterPending records an in-flight optimistic send.
func (db *DB) RegisterPending(p *PendingSend) error {
	_, err := db.Exec(`
		INSERT INTO pending_sends (temp_id, conversation_id, sender_id, content, created_at, deadline, buffered_status)
		VALUES (?, ?, ?, ?, ?, ?, '')`,
		p.TempID, p.ConversationID, p.SenderID, p.Content, p.CreatedAt, p.Deadline)
	if err != nil {
		return fmt.Errorf("register pending: %w", err)
	}
	return nil
}

// ResolvePending removes and returns the pending entry for tempID.
// Returns nil when the entry was already resolved, which is how callers get
// exactly-once semantics on the failure path.
func (db *DB) ResolvePending(tempID string) (*PendingSend, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPending(tx.QueryRow(`SELECT `+pendingColumns+` FROM pending_sends WHERE temp_id = ?`, tempID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM pending_sends WHERE temp_id = ?`, tempID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// FindReconcilable returns the earliest unresolved pending entry with the
// given sender and exact content whose created_at lies within windowMs of
// createdAt. The deterministic ordering is what keeps rapid-fire identical
// sends from cross-matching: each confirmation consumes the oldest candidate.
func (db *DB) FindReconcilable(conversationID, senderID, content string, createdAt, windowMs int64) (*PendingSend, error) {
	p, err := scanPending(db.QueryRow(`
		SELECT `+pendingColumns+` FROM pending_sends
		WHERE conversation_id = ? AND sender_id = ? AND content = ?
		  AND ABS(created_at - ?) < ?
		ORDER BY created_at ASC, temp_id ASC
		LIMIT 1`,
		conversationID, senderID, content, createdAt, windowMs))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// LatestPendingFor returns the most recent pending entry from the given
// sender, or nil. Fallback path for a transport error that carries no temp id.
func (db *DB) LatestPendingFor(senderID string) (*PendingSend, error) {
	p, err := scanPending(db.QueryRow(`
		SELECT `+pendingColumns+` FROM pending_sends
		WHERE sender_id = ?
		ORDER BY created_at DESC, temp_id DESC
		LIMIT 1`, senderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ExpiredPending returns every pending entry whose deadline has passed.
func (db *DB) ExpiredPending(now int64) ([]PendingSend, error) {
	rows, err := db.Query(`
		SELECT `+pendingColumns+` FROM pending_sends
		WHERE deadline <= ?
		ORDER BY deadline ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingSend
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// BufferPendingStatus parks a delivery status that arrived keyed by temp id
// before reconciliation. It is applied when the message is promoted.
func (db *DB) BufferPendingStatus(tempID, status string) error {
	_, err := db.Exec(`UPDATE pending_sends SET buffered_status = ? WHERE temp_id = ?`, status, tempID)
	return err
}

// PendingCount returns the number of in-flight optimistic sends.
func (db *DB) PendingCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_sends`).Scan(&n)
	return n, err
}
