package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Task History — append-only audit log
//
// Every accepted task mutation appends exactly one entry. Entries are never
// updated or deleted (cascade-removed only when the parent task is purged).
// The log exists to reconstruct "what happened" when a client disputes a
// resolution outcome, and is exposed read-only to operational tooling.
// ============================================================================

// History action constants.
const (
	ActionCreated     = "CREATED"
	ActionFirstShown  = "FIRST_SHOWN"
	ActionConfirmed   = "CONFIRMED"
	ActionUnconfirmed = "UNCONFIRMED"
	ActionEdited      = "EDITED"
	ActionDeleted     = "DELETED"
	ActionActivated   = "ACTIVATED"
	ActionDeactivated = "DEACTIVATED"
)

// TaskHistoryEntry is one immutable lifecycle record for a task.
type TaskHistoryEntry struct {
	ID              int64          `json:"id"`
	TaskID          int64          `json:"task_id"`
	Action          string         `json:"action"`
	ActionTimestamp time.Time      `json:"action_timestamp"`
	IterationDate   sql.NullTime   `json:"-"`
	Metadata        sql.NullString `json:"metadata,omitempty"`
}

// TaskHistoryOutput is the JSON-friendly wire form of TaskHistoryEntry.
type TaskHistoryOutput struct {
	ID              int64     `json:"id"`
	TaskID          int64     `json:"task_id"`
	Action          string    `json:"action"`
	ActionTimestamp time.Time `json:"action_timestamp"`
	IterationDate   *string   `json:"iteration_date,omitempty"` // YYYY-MM-DD
	Metadata        *string   `json:"metadata,omitempty"`
}

// ToOutput converts a history entry to its wire form.
func (e *TaskHistoryEntry) ToOutput() TaskHistoryOutput {
	out := TaskHistoryOutput{
		ID:              e.ID,
		TaskID:          e.TaskID,
		Action:          e.Action,
		ActionTimestamp: e.ActionTimestamp,
	}
	if e.IterationDate.Valid {
		d := e.IterationDate.Time.Format("2006-01-02")
		out.IterationDate = &d
	}
	if e.Metadata.Valid {
		out.Metadata = &e.Metadata.String
	}
	return out
}

// appendTaskHistoryTx appends one audit entry inside the caller's transaction
// so the entry commits or rolls back together with the mutation it records.
func appendTaskHistoryTx(tx *sql.Tx, taskID int64, action string, ts time.Time, iterationDate *time.Time, metadata string) error {
	iter := sql.NullTime{}
	if iterationDate != nil {
		iter = sql.NullTime{Time: *iterationDate, Valid: true}
	}
	meta := sql.NullString{}
	if metadata != "" {
		meta = sql.NullString{String: metadata, Valid: true}
	}

	_, err := tx.Exec(
		`INSERT INTO task_history (task_id, action, action_timestamp, iteration_date, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		taskID, action, normalizeTimestamp(ts), iter, meta,
	)
	if err != nil {
		return serr.Wrap(err, "failed to append task history", "task_id", canonicalInt(taskID), "action", action)
	}
	return nil
}

// AppendTaskHistory appends one audit entry in its own transaction.
func AppendTaskHistory(taskID int64, action string, ts time.Time, iterationDate *time.Time, metadata string) error {
	return withTx(func(tx *sql.Tx) error {
		return appendTaskHistoryTx(tx, taskID, action, ts, iterationDate, metadata)
	})
}

// GetTaskHistory returns a task's audit trail, causally ordered by
// action_timestamp (ties broken by insertion order).
func GetTaskHistory(taskID int64) ([]TaskHistoryEntry, error) {
	rows, err := db.Query(
		`SELECT id, task_id, action, action_timestamp, iteration_date, metadata
		 FROM task_history WHERE task_id = ?
		 ORDER BY action_timestamp ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query task history")
	}
	defer rows.Close()

	return collectHistoryRows(rows)
}

// GetRecentHistory returns the newest entries across all tasks, for the
// operational history view.
func GetRecentHistory(limit int) ([]TaskHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, task_id, action, action_timestamp, iteration_date, metadata
		 FROM task_history
		 ORDER BY action_timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query recent history")
	}
	defer rows.Close()

	return collectHistoryRows(rows)
}

func collectHistoryRows(rows *sql.Rows) ([]TaskHistoryEntry, error) {
	var entries []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Action, &e.ActionTimestamp, &e.IterationDate, &e.Metadata); err != nil {
			return nil, serr.Wrap(err, "failed to scan history row")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating history rows")
	}
	return entries, nil
}
