package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// Entity type identifiers used throughout the sync protocol.
const (
	EntityTask  = "task"
	EntityUser  = "user"
	EntityGroup = "group"
)

// Task represents a task under synchronization.
// The server owns the authoritative copy; clients hold cached replicas.
// updated_at is the sole precedence signal for conflict resolution.
type Task struct {
	ID         int64          `db:"id" json:"id"`
	Name       string         `db:"name" json:"name"`
	Notes      sql.NullString `db:"notes" json:"notes,omitempty"`
	Completed  bool           `db:"completed" json:"completed"`
	Enabled    bool           `db:"enabled" json:"enabled"`
	Recurrence sql.NullString `db:"recurrence" json:"recurrence,omitempty"`
	GroupID    sql.NullInt64  `db:"group_id" json:"group_id,omitempty"`
	Assignees  []int64        `json:"assignees"` // user ids from task_users, sorted
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
	DeletedAt  sql.NullTime   `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the task is a tombstone.
func (t *Task) Deleted() bool {
	return t.DeletedAt.Valid
}

// SemanticFields returns the canonical field set the hash engine digests.
// created_at is arrival-time bookkeeping and excluded; deleted is included
// so a tombstone never hashes equal to a live record.
func (t *Task) SemanticFields() map[string]string {
	fields := map[string]string{
		"id":         canonicalInt(t.ID),
		"name":       t.Name,
		"completed":  canonicalBool(t.Completed),
		"enabled":    canonicalBool(t.Enabled),
		"assignees":  canonicalIDList(t.Assignees),
		"updated_at": canonicalTime(t.UpdatedAt),
		"deleted":    canonicalBool(t.Deleted()),
	}
	if t.Notes.Valid {
		fields["notes"] = t.Notes.String
	}
	if t.Recurrence.Valid {
		fields["recurrence"] = t.Recurrence.String
	}
	if t.GroupID.Valid {
		fields["group_id"] = canonicalInt(t.GroupID.Int64)
	}
	return fields
}

// Hash returns the canonical content digest for this task version.
func (t *Task) Hash() string {
	return HashFields(t.SemanticFields())
}

// TaskOutput is the JSON-friendly wire form of Task.
// Replaces sql.Null* types with pointers for clean serialization; this is
// also the resolved_data shape in the ApplyResolvedData call.
type TaskOutput struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Notes      *string   `json:"notes,omitempty"`
	Completed  bool      `json:"completed"`
	Enabled    bool      `json:"enabled"`
	Recurrence *string   `json:"recurrence,omitempty"`
	GroupID    *int64    `json:"group_id,omitempty"`
	Assignees  []int64   `json:"assignees"`
	UpdatedAt  time.Time `json:"updated_at"`
	Deleted    bool      `json:"deleted"`
	Hash       string    `json:"hash"`
}

// ToOutput converts a Task to its wire form, computing the current hash.
func (t *Task) ToOutput() TaskOutput {
	out := TaskOutput{
		ID:        t.ID,
		Name:      t.Name,
		Completed: t.Completed,
		Enabled:   t.Enabled,
		Assignees: t.Assignees,
		UpdatedAt: normalizeTimestamp(t.UpdatedAt),
		Deleted:   t.Deleted(),
		Hash:      t.Hash(),
	}
	if t.Notes.Valid {
		out.Notes = &t.Notes.String
	}
	if t.Recurrence.Valid {
		out.Recurrence = &t.Recurrence.String
	}
	if t.GroupID.Valid {
		out.GroupID = &t.GroupID.Int64
	}
	if out.Assignees == nil {
		out.Assignees = []int64{}
	}
	return out
}

const taskColumns = `id, name, notes, completed, enabled, recurrence, group_id, created_at, updated_at, deleted_at`

// scanTask scans a task row from any row-like source.
func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID, &t.Name, &t.Notes, &t.Completed, &t.Enabled,
		&t.Recurrence, &t.GroupID, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTaskByID retrieves a task by id, tombstones included.
// Returns nil if the id has never existed.
func GetTaskByID(id int64) (*Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get task by id")
	}

	task.Assignees, err = getTaskAssignees(task.ID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// getTaskAssignees returns the sorted user ids assigned to a task.
func getTaskAssignees(taskID int64) ([]int64, error) {
	rows, err := db.Query(`SELECT user_id FROM task_users WHERE task_id = ? ORDER BY user_id`, taskID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query task assignees")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, serr.Wrap(err, "failed to scan task assignee")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// replaceTaskAssigneesTx atomically replaces the full assignee set for a task.
func replaceTaskAssigneesTx(tx *sql.Tx, taskID int64, userIDs []int64) error {
	if _, err := tx.Exec(`DELETE FROM task_users WHERE task_id = ?`, taskID); err != nil {
		return serr.Wrap(err, "failed to clear task assignees")
	}
	for _, uid := range userIDs {
		if _, err := tx.Exec(
			`INSERT INTO task_users (task_id, user_id) VALUES (?, ?)`, taskID, uid,
		); err != nil {
			return serr.Wrap(err, "failed to insert task assignee")
		}
	}
	return nil
}

// GetAllTasks returns every task row, tombstones included.
// Verification needs tombstones so a client can learn about deletions.
func GetAllTasks() ([]*Task, error) {
	rows, err := db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan task row")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating tasks")
	}

	for _, t := range tasks {
		if t.Assignees, err = getTaskAssignees(t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// GetTasksChangedSince returns tasks whose updated_at is strictly after the
// given checkpoint, tombstones included so deletions propagate on pull.
// Ordered by updated_at ascending for stable incremental paging.
func GetTasksChangedSince(since time.Time, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE updated_at > ? ORDER BY updated_at ASC`
	args := []interface{}{normalizeTimestamp(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query changed tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan changed task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating changed tasks")
	}

	for _, t := range tasks {
		if t.Assignees, err = getTaskAssignees(t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// PurgeTask hard-deletes a task and cascades removal of its dependent rows
// (assignments and history). Maintenance operation only — the sync protocol
// itself always soft-deletes so clients can learn of deletions.
func PurgeTask(id int64) error {
	mu := lockEntity(EntityTask, id)
	defer mu.Unlock()

	return withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM task_users WHERE task_id = ?`, id); err != nil {
			return serr.Wrap(err, "failed to purge task assignments")
		}
		if _, err := tx.Exec(`DELETE FROM task_history WHERE task_id = ?`, id); err != nil {
			return serr.Wrap(err, "failed to purge task history")
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return serr.Wrap(err, "failed to purge task")
		}
		return nil
	})
}
