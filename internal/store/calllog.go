package store

import (
	"database/sql"
	"fmt"
)

const callRecordUpsertSQL = `
	INSERT INTO call_log (id, caller_id, callee_id, call_type, status, initiated_at, started_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at`

// AppendCallRecord adds a terminal call record to the log. Idempotent on the
// call id, so replaying a hangup or a sync batch is safe.
func (db *DB) AppendCallRecord(r *CallRecord) error {
	_, err := db.Exec(callRecordUpsertSQL,
		r.ID, r.CallerID, r.CalleeID, r.CallType, r.Status, r.InitiatedAt, r.StartedAt, r.EndedAt)
	return err
}

// BatchUpsertCallRecords applies a call-log sync batch in one transaction.
func (db *DB) BatchUpsertCallRecords(records []*CallRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	batchErr := &BatchError{}
	for _, r := range records {
		if _, err := tx.Exec(callRecordUpsertSQL,
			r.ID, r.CallerID, r.CalleeID, r.CallType, r.Status, r.InitiatedAt, r.StartedAt, r.EndedAt); err != nil {
			batchErr.add(r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return batchErr.orNil()
}

// GetCallRecord returns one record by call id, or nil.
func (db *DB) GetCallRecord(id string) (*CallRecord, error) {
	var r CallRecord
	err := db.QueryRow(`
		SELECT id, caller_id, callee_id, call_type, status, initiated_at, started_at, ended_at
		FROM call_log WHERE id = ?`, id).
		Scan(&r.ID, &r.CallerID, &r.CalleeID, &r.CallType, &r.Status, &r.InitiatedAt, &r.StartedAt, &r.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListCallRecords returns call records most recently ended first.
// limit <= 0 means no limit.
func (db *DB) ListCallRecords(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT id, caller_id, callee_id, call_type, status, initiated_at, started_at, ended_at
		FROM call_log ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.CallerID, &r.CalleeID, &r.CallType, &r.Status, &r.InitiatedAt, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LastCallEnd returns the most recent ended_at in the log, the watermark for
// call-log delta sync. Zero when the log is empty.
func (db *DB) LastCallEnd() (int64, error) {
	var ts int64
	err := db.QueryRow(`SELECT COALESCE(MAX(ended_at), 0) FROM call_log`).Scan(&ts)
	return ts, err
}
