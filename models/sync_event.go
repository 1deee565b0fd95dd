package models

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// SyncEvent & Event Applier
//
// A SyncEvent is an immutable intention record created on a client when a
// user acts, queued while offline, and consumed exactly once by the server.
// Exactly-once is keyed on the event GUID: a replayed GUID returns confirmed
// with the current hash and changes nothing — no duplicate history, no
// double-counted state change — which makes naive retry-on-timeout safe.
//
// Staleness is detected by comparing the event's client_hash (what the
// client believed it was mutating) against the server's current hash. A
// mismatch never applies silently; it comes back as status=conflict with
// the server hash so the client can start resolution.
// ============================================================================

// Event types.
const (
	EventCreate     = "create"
	EventUpdate     = "update"
	EventDelete     = "delete"
	EventComplete   = "complete"
	EventUncomplete = "uncomplete"
)

// Per-event response statuses.
const (
	StatusConfirmed = "confirmed"
	StatusConflict  = "conflict"
	StatusError     = "error"
)

// SyncEvent is a single client-submitted mutation.
type SyncEvent struct {
	GUID       string          `json:"guid"`
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id,omitempty"` // zero for create
	Timestamp  time.Time       `json:"timestamp"`           // client-observed event time
	ClientHash string          `json:"client_hash,omitempty"`
	Changes    json.RawMessage `json:"changes,omitempty"`
}

// SyncEventResponse is the per-event outcome returned to the client.
type SyncEventResponse struct {
	GUID       string `json:"guid"`
	Status     string `json:"status"`
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id,omitempty"`
	ServerHash string `json:"server_hash,omitempty"`
	Message    string `json:"message,omitempty"`
}

// clampEventTime normalizes a client timestamp, clamping future values to
// server arrival time. Preserves client intent under normal clock skew while
// keeping server-observed updated_at sane when a client clock runs fast.
func clampEventTime(ts time.Time) time.Time {
	now := normalizeTimestamp(time.Now())
	ts = normalizeTimestamp(ts)
	if ts.IsZero() || ts.After(now) {
		return now
	}
	return ts
}

// nextUpdatedAt picks the updated_at for an accepted mutation, guaranteeing
// strict advance past the current value so updated_at stays monotonic and
// every applied change produces a new hash.
func nextUpdatedAt(current time.Time, eventTime time.Time) time.Time {
	ts := clampEventTime(eventTime)
	current = normalizeTimestamp(current)
	if ts.After(current) {
		return ts
	}
	now := normalizeTimestamp(time.Now())
	if now.After(current) {
		return now
	}
	return current.Add(time.Millisecond)
}

// appliedEventEntityID reports whether an event GUID was consumed before,
// and if so, the entity id recorded at apply time. Creates arrive with no
// entity id, so a replayed create depends on the recorded id to confirm
// with the right entity.
func appliedEventEntityID(guid string) (id int64, applied bool, err error) {
	err = db.QueryRow(`SELECT entity_id FROM sync_events WHERE guid = ?`, guid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, serr.Wrap(err, "failed to check applied events")
	}
	return id, true, nil
}

// recordEventTx marks an event GUID consumed, inside the mutation's tx.
func recordEventTx(tx *sql.Tx, ev SyncEvent) error {
	_, err := tx.Exec(
		`INSERT INTO sync_events (guid, entity_type, entity_id, event_type, event_timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.GUID, ev.EntityType, ev.EntityID, ev.EventType, clampEventTime(ev.Timestamp),
	)
	if err != nil {
		return serr.Wrap(err, "failed to record applied event", "guid", ev.GUID)
	}
	return nil
}

// currentEntityHash returns the server's current hash for an entity, or ""
// if the entity has never existed.
func currentEntityHash(entityType string, id int64) (string, error) {
	switch entityType {
	case EntityTask:
		t, err := GetTaskByID(id)
		if err != nil || t == nil {
			return "", err
		}
		return t.Hash(), nil
	case EntityUser:
		u, err := GetUserByID(id)
		if err != nil || u == nil {
			return "", err
		}
		return u.Hash(), nil
	case EntityGroup:
		g, err := GetGroupByID(id)
		if err != nil || g == nil {
			return "", err
		}
		return g.Hash(), nil
	}
	return "", serr.New("unknown entity type: " + entityType)
}

func errorResponse(ev SyncEvent, msg string) SyncEventResponse {
	return SyncEventResponse{
		GUID:       ev.GUID,
		Status:     StatusError,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Message:    msg,
	}
}

// ApplySyncEvent applies one client mutation and reports the outcome.
// Failures are reported inline in the response, never as a call-aborting
// error — only structurally invalid requests fail the surrounding HTTP call.
func ApplySyncEvent(ev SyncEvent) SyncEventResponse {
	// Structural validation
	if ev.GUID == "" {
		return errorResponse(ev, "event guid is required")
	}
	switch ev.EntityType {
	case EntityTask, EntityUser, EntityGroup:
	default:
		return errorResponse(ev, "unknown entity type: "+ev.EntityType)
	}
	switch ev.EventType {
	case EventCreate, EventUpdate, EventDelete:
	case EventComplete, EventUncomplete:
		if ev.EntityType != EntityTask {
			return errorResponse(ev, "event type "+ev.EventType+" applies only to tasks")
		}
	default:
		return errorResponse(ev, "unknown event type: "+ev.EventType)
	}
	if ev.EventType != EventCreate && ev.EntityID == 0 {
		return errorResponse(ev, "entity_id is required for "+ev.EventType)
	}

	// Exactly-once: a replayed GUID confirms with the current state and
	// mutates nothing. The GUID lock covers the check and the apply, so two
	// concurrent pushes of the same event cannot both pass the check — the
	// second arrival always lands here and confirms as a replay.
	guidMu := lockEventGUID(ev.GUID)
	defer guidMu.Unlock()

	recordedID, applied, err := appliedEventEntityID(ev.GUID)
	if err != nil {
		return errorResponse(ev, "store unavailable: "+err.Error())
	}
	if applied {
		if recordedID != 0 {
			ev.EntityID = recordedID
		}
		hash, err := currentEntityHash(ev.EntityType, ev.EntityID)
		if err != nil {
			return errorResponse(ev, "store unavailable: "+err.Error())
		}
		return SyncEventResponse{
			GUID:       ev.GUID,
			Status:     StatusConfirmed,
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			ServerHash: hash,
			Message:    "event already applied",
		}
	}

	switch ev.EntityType {
	case EntityTask:
		return applyTaskEvent(ev)
	case EntityUser:
		return applyUserEvent(ev)
	default:
		return applyGroupEvent(ev)
	}
}

// ApplySyncEvents applies a client's push batch sequentially, preserving the
// client-local causal order within the batch.
func ApplySyncEvents(events []SyncEvent) []SyncEventResponse {
	responses := make([]SyncEventResponse, 0, len(events))
	for _, ev := range events {
		responses = append(responses, ApplySyncEvent(ev))
	}
	return responses
}

// ============================================================================
// Task events
// ============================================================================

func applyTaskEvent(ev SyncEvent) SyncEventResponse {
	if ev.EventType == EventCreate {
		return applyTaskCreate(ev)
	}

	mu := lockEntity(EntityTask, ev.EntityID)
	defer mu.Unlock()

	task, err := GetTaskByID(ev.EntityID)
	if err != nil {
		return errorResponse(ev, "store unavailable: "+err.Error())
	}
	if task == nil {
		return errorResponse(ev, "task not found")
	}

	// Delete is idempotent on tombstones: no-op, no duplicate history.
	if ev.EventType == EventDelete && task.Deleted() {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityTask,
			EntityID: task.ID, ServerHash: task.Hash(), Message: "already deleted",
		}
	}
	if task.Deleted() {
		return errorResponse(ev, "task is deleted")
	}

	// Stale client hash routes through conflict resolution — never applies.
	serverHash := task.Hash()
	if ev.ClientHash != "" && ev.ClientHash != serverHash {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConflict, EntityType: EntityTask,
			EntityID: task.ID, ServerHash: serverHash,
			Message: "client hash is stale",
		}
	}

	switch ev.EventType {
	case EventUpdate:
		return applyTaskUpdate(ev, task)
	case EventComplete:
		return applyTaskCompletion(ev, task, true)
	case EventUncomplete:
		return applyTaskCompletion(ev, task, false)
	default: // EventDelete
		return applyTaskDelete(ev, task)
	}
}

func applyTaskCreate(ev SyncEvent) SyncEventResponse {
	var changes TaskChanges
	if len(ev.Changes) == 0 {
		return errorResponse(ev, "create requires a changes payload")
	}
	if err := json.Unmarshal(ev.Changes, &changes); err != nil {
		return errorResponse(ev, "invalid changes payload: "+err.Error())
	}
	if changes.Name == nil || *changes.Name == "" {
		return errorResponse(ev, "task name is required")
	}
	if changes.NotesIsDiff {
		return errorResponse(ev, "cannot apply a notes diff on create — full notes required")
	}

	ts := clampEventTime(ev.Timestamp)
	var created *Task

	err := withTx(func(tx *sql.Tx) error {
		notes := sql.NullString{}
		if changes.Notes != nil && *changes.Notes != "" {
			notes = sql.NullString{String: *changes.Notes, Valid: true}
		}
		recurrence := sql.NullString{}
		if changes.Recurrence != nil && *changes.Recurrence != "" {
			recurrence = sql.NullString{String: *changes.Recurrence, Valid: true}
		}
		groupID := sql.NullInt64{}
		if changes.GroupID != nil && *changes.GroupID != 0 {
			groupID = sql.NullInt64{Int64: *changes.GroupID, Valid: true}
		}
		completed := changes.Completed != nil && *changes.Completed
		enabled := changes.Enabled == nil || *changes.Enabled

		row := tx.QueryRow(
			`INSERT INTO tasks (name, notes, completed, enabled, recurrence, group_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
			 RETURNING `+taskColumns,
			*changes.Name, notes, completed, enabled, recurrence, groupID, ts,
		)
		task, err := scanTask(row)
		if err != nil {
			return serr.Wrap(err, "failed to insert task")
		}

		if changes.Assignees != nil {
			if err := replaceTaskAssigneesTx(tx, task.ID, *changes.Assignees); err != nil {
				return err
			}
			task.Assignees = *changes.Assignees
		}

		if err := appendTaskHistoryTx(tx, task.ID, ActionCreated, ts, nil, ""); err != nil {
			return err
		}

		evWithID := ev
		evWithID.EntityID = task.ID
		if err := recordEventTx(tx, evWithID); err != nil {
			return err
		}
		if err := advanceMetadataTx(tx, MetaLastTaskUpdate, task.UpdatedAt); err != nil {
			return err
		}

		created = task
		return nil
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	logger.Debug("Task created via sync", "task_id", created.ID, "guid", ev.GUID)
	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityTask,
		EntityID: created.ID, ServerHash: created.Hash(),
	}
}

func applyTaskUpdate(ev SyncEvent, task *Task) SyncEventResponse {
	var changes TaskChanges
	if len(ev.Changes) == 0 {
		return errorResponse(ev, "update requires a changes payload")
	}
	if err := json.Unmarshal(ev.Changes, &changes); err != nil {
		return errorResponse(ev, "invalid changes payload: "+err.Error())
	}

	enabledFlipped := changes.Enabled != nil && *changes.Enabled != task.Enabled
	otherFieldsChanged := changes.Name != nil || changes.Notes != nil ||
		changes.Completed != nil || changes.Recurrence != nil ||
		changes.GroupID != nil || changes.Assignees != nil

	if !enabledFlipped && !otherFieldsChanged {
		// Nothing to do — confirm without history or a timestamp bump.
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityTask,
			EntityID: task.ID, ServerHash: task.Hash(), Message: "no changes",
		}
	}

	newUpdated := nextUpdatedAt(task.UpdatedAt, ev.Timestamp)

	err := withTx(func(tx *sql.Tx) error {
		setClauses := []string{}
		args := []interface{}{}

		if changes.Name != nil {
			setClauses = append(setClauses, "name = ?")
			args = append(args, *changes.Name)
			task.Name = *changes.Name
		}
		if changes.Notes != nil {
			resolved := *changes.Notes
			if changes.NotesIsDiff {
				currentNotes := ""
				if task.Notes.Valid {
					currentNotes = task.Notes.String
				}
				var err error
				resolved, err = applyNotesDiff(currentNotes, *changes.Notes)
				if err != nil {
					return err
				}
			}
			notes := sql.NullString{}
			if resolved != "" {
				notes = sql.NullString{String: resolved, Valid: true}
			}
			setClauses = append(setClauses, "notes = ?")
			args = append(args, notes)
			task.Notes = notes
		}
		if changes.Completed != nil {
			setClauses = append(setClauses, "completed = ?")
			args = append(args, *changes.Completed)
			task.Completed = *changes.Completed
		}
		if changes.Enabled != nil {
			setClauses = append(setClauses, "enabled = ?")
			args = append(args, *changes.Enabled)
			task.Enabled = *changes.Enabled
		}
		if changes.Recurrence != nil {
			recurrence := sql.NullString{}
			if *changes.Recurrence != "" {
				recurrence = sql.NullString{String: *changes.Recurrence, Valid: true}
			}
			setClauses = append(setClauses, "recurrence = ?")
			args = append(args, recurrence)
			task.Recurrence = recurrence
		}
		if changes.GroupID != nil {
			groupID := sql.NullInt64{}
			if *changes.GroupID != 0 {
				groupID = sql.NullInt64{Int64: *changes.GroupID, Valid: true}
			}
			setClauses = append(setClauses, "group_id = ?")
			args = append(args, groupID)
			task.GroupID = groupID
		}

		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, newUpdated)
		task.UpdatedAt = newUpdated

		query := "UPDATE tasks SET " + strings.Join(setClauses, ", ") + " WHERE id = ? AND deleted_at IS NULL"
		args = append(args, task.ID)
		if _, err := tx.Exec(query, args...); err != nil {
			return serr.Wrap(err, "failed to update task")
		}

		if changes.Assignees != nil {
			if err := replaceTaskAssigneesTx(tx, task.ID, *changes.Assignees); err != nil {
				return err
			}
			task.Assignees = *changes.Assignees
		}

		// One history entry per accepted event: a pure enable/disable flip
		// records ACTIVATED/DEACTIVATED, anything else records EDITED.
		action := ActionEdited
		if enabledFlipped && !otherFieldsChanged {
			if *changes.Enabled {
				action = ActionActivated
			} else {
				action = ActionDeactivated
			}
		}
		if err := appendTaskHistoryTx(tx, task.ID, action, newUpdated, nil, ""); err != nil {
			return err
		}

		if err := recordEventTx(tx, ev); err != nil {
			return err
		}
		return advanceMetadataTx(tx, MetaLastTaskUpdate, newUpdated)
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityTask,
		EntityID: task.ID, ServerHash: task.Hash(),
	}
}

func applyTaskCompletion(ev SyncEvent, task *Task, completed bool) SyncEventResponse {
	if task.Completed == completed {
		// Already in the target state — idempotent confirm, no history.
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityTask,
			EntityID: task.ID, ServerHash: task.Hash(), Message: "already in target state",
		}
	}

	newUpdated := nextUpdatedAt(task.UpdatedAt, ev.Timestamp)
	action := ActionConfirmed
	if !completed {
		action = ActionUnconfirmed
	}

	// Recurring tasks stamp the iteration the completion belongs to.
	var iterationDate *time.Time
	if task.Recurrence.Valid {
		d := clampEventTime(ev.Timestamp).Truncate(24 * time.Hour)
		iterationDate = &d
	}

	err := withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			completed, newUpdated, task.ID,
		); err != nil {
			return serr.Wrap(err, "failed to set task completion")
		}
		if err := appendTaskHistoryTx(tx, task.ID, action, newUpdated, iterationDate, ""); err != nil {
			return err
		}
		if err := recordEventTx(tx, ev); err != nil {
			return err
		}
		return advanceMetadataTx(tx, MetaLastTaskUpdate, newUpdated)
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	task.Completed = completed
	task.UpdatedAt = newUpdated
	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityTask,
		EntityID: task.ID, ServerHash: task.Hash(),
	}
}

func applyTaskDelete(ev SyncEvent, task *Task) SyncEventResponse {
	newUpdated := nextUpdatedAt(task.UpdatedAt, ev.Timestamp)

	err := withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			newUpdated, newUpdated, task.ID,
		); err != nil {
			return serr.Wrap(err, "failed to soft-delete task")
		}
		// Assignments go with the tombstone; history is kept for audit.
		if _, err := tx.Exec(`DELETE FROM task_users WHERE task_id = ?`, task.ID); err != nil {
			return serr.Wrap(err, "failed to remove assignments of deleted task")
		}
		if err := appendTaskHistoryTx(tx, task.ID, ActionDeleted, newUpdated, nil, ""); err != nil {
			return err
		}
		if err := recordEventTx(tx, ev); err != nil {
			return err
		}
		return advanceMetadataTx(tx, MetaLastTaskUpdate, newUpdated)
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	task.DeletedAt = sql.NullTime{Time: newUpdated, Valid: true}
	task.UpdatedAt = newUpdated
	task.Assignees = nil
	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityTask,
		EntityID: task.ID, ServerHash: task.Hash(),
	}
}

// ============================================================================
// User events
// ============================================================================

func applyUserEvent(ev SyncEvent) SyncEventResponse {
	if ev.EventType == EventCreate {
		return applyUserCreate(ev)
	}

	mu := lockEntity(EntityUser, ev.EntityID)
	defer mu.Unlock()

	user, err := GetUserByID(ev.EntityID)
	if err != nil {
		return errorResponse(ev, "store unavailable: "+err.Error())
	}
	if user == nil {
		return errorResponse(ev, "user not found")
	}

	if ev.EventType == EventDelete && user.Deleted() {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityUser,
			EntityID: user.ID, ServerHash: user.Hash(), Message: "already deleted",
		}
	}
	if user.Deleted() {
		return errorResponse(ev, "user is deleted")
	}

	serverHash := user.Hash()
	if ev.ClientHash != "" && ev.ClientHash != serverHash {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConflict, EntityType: EntityUser,
			EntityID: user.ID, ServerHash: serverHash, Message: "client hash is stale",
		}
	}

	if ev.EventType == EventDelete {
		newUpdated := nextUpdatedAt(user.UpdatedAt, ev.Timestamp)
		err := withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				`UPDATE users SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
				newUpdated, newUpdated, user.ID,
			); err != nil {
				return serr.Wrap(err, "failed to soft-delete user")
			}
			if _, err := tx.Exec(`DELETE FROM task_users WHERE user_id = ?`, user.ID); err != nil {
				return serr.Wrap(err, "failed to remove assignments of deleted user")
			}
			if err := recordEventTx(tx, ev); err != nil {
				return err
			}
			return advanceMetadataTx(tx, MetaLastUserUpdate, newUpdated)
		})
		if err != nil {
			return errorResponse(ev, err.Error())
		}
		user.DeletedAt = sql.NullTime{Time: newUpdated, Valid: true}
		user.UpdatedAt = newUpdated
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityUser,
			EntityID: user.ID, ServerHash: user.Hash(),
		}
	}

	// Update
	var changes UserChanges
	if len(ev.Changes) == 0 {
		return errorResponse(ev, "update requires a changes payload")
	}
	if err := json.Unmarshal(ev.Changes, &changes); err != nil {
		return errorResponse(ev, "invalid changes payload: "+err.Error())
	}
	if changes.Name == nil && changes.Email == nil && changes.Enabled == nil {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityUser,
			EntityID: user.ID, ServerHash: serverHash, Message: "no changes",
		}
	}

	newUpdated := nextUpdatedAt(user.UpdatedAt, ev.Timestamp)
	err = withTx(func(tx *sql.Tx) error {
		setClauses := []string{}
		args := []interface{}{}

		if changes.Name != nil {
			setClauses = append(setClauses, "name = ?")
			args = append(args, *changes.Name)
			user.Name = *changes.Name
		}
		if changes.Email != nil {
			email := sql.NullString{}
			if *changes.Email != "" {
				email = sql.NullString{String: *changes.Email, Valid: true}
			}
			setClauses = append(setClauses, "email = ?")
			args = append(args, email)
			user.Email = email
		}
		if changes.Enabled != nil {
			setClauses = append(setClauses, "enabled = ?")
			args = append(args, *changes.Enabled)
			user.Enabled = *changes.Enabled
		}

		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, newUpdated)
		user.UpdatedAt = newUpdated

		query := "UPDATE users SET " + strings.Join(setClauses, ", ") + " WHERE id = ? AND deleted_at IS NULL"
		args = append(args, user.ID)
		if _, err := tx.Exec(query, args...); err != nil {
			return serr.Wrap(err, "failed to update user")
		}
		if err := recordEventTx(tx, ev); err != nil {
			return err
		}
		return advanceMetadataTx(tx, MetaLastUserUpdate, newUpdated)
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityUser,
		EntityID: user.ID, ServerHash: user.Hash(),
	}
}

func applyUserCreate(ev SyncEvent) SyncEventResponse {
	var changes UserChanges
	if len(ev.Changes) == 0 {
		return errorResponse(ev, "create requires a changes payload")
	}
	if err := json.Unmarshal(ev.Changes, &changes); err != nil {
		return errorResponse(ev, "invalid changes payload: "+err.Error())
	}
	if changes.Name == nil || *changes.Name == "" {
		return errorResponse(ev, "user name is required")
	}

	ts := clampEventTime(ev.Timestamp)
	var created *User

	err := withTx(func(tx *sql.Tx) error {
		email := sql.NullString{}
		if changes.Email != nil && *changes.Email != "" {
			email = sql.NullString{String: *changes.Email, Valid: true}
		}
		enabled := changes.Enabled == nil || *changes.Enabled

		row := tx.QueryRow(
			`INSERT INTO users (name, email, enabled, created_at, updated_at)
			 VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?)
			 RETURNING `+userColumns,
			*changes.Name, email, enabled, ts,
		)
		user, err := scanUser(row)
		if err != nil {
			return serr.Wrap(err, "failed to insert user")
		}

		evWithID := ev
		evWithID.EntityID = user.ID
		if err := recordEventTx(tx, evWithID); err != nil {
			return err
		}
		if err := advanceMetadataTx(tx, MetaLastUserUpdate, user.UpdatedAt); err != nil {
			return err
		}
		created = user
		return nil
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityUser,
		EntityID: created.ID, ServerHash: created.Hash(),
	}
}

// ============================================================================
// Group events
// ============================================================================

func applyGroupEvent(ev SyncEvent) SyncEventResponse {
	if ev.EventType == EventCreate {
		return applyGroupCreate(ev)
	}

	mu := lockEntity(EntityGroup, ev.EntityID)
	defer mu.Unlock()

	group, err := GetGroupByID(ev.EntityID)
	if err != nil {
		return errorResponse(ev, "store unavailable: "+err.Error())
	}
	if group == nil {
		return errorResponse(ev, "group not found")
	}

	if ev.EventType == EventDelete && group.Deleted() {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityGroup,
			EntityID: group.ID, ServerHash: group.Hash(), Message: "already deleted",
		}
	}
	if group.Deleted() {
		return errorResponse(ev, "group is deleted")
	}

	serverHash := group.Hash()
	if ev.ClientHash != "" && ev.ClientHash != serverHash {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConflict, EntityType: EntityGroup,
			EntityID: group.ID, ServerHash: serverHash, Message: "client hash is stale",
		}
	}

	if ev.EventType == EventDelete {
		newUpdated := nextUpdatedAt(group.UpdatedAt, ev.Timestamp)
		err := withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				`UPDATE groups SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
				newUpdated, newUpdated, group.ID,
			); err != nil {
				return serr.Wrap(err, "failed to soft-delete group")
			}
			if err := recordEventTx(tx, ev); err != nil {
				return err
			}
			return advanceMetadataTx(tx, MetaLastGroupUpdate, newUpdated)
		})
		if err != nil {
			return errorResponse(ev, err.Error())
		}
		group.DeletedAt = sql.NullTime{Time: newUpdated, Valid: true}
		group.UpdatedAt = newUpdated
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityGroup,
			EntityID: group.ID, ServerHash: group.Hash(),
		}
	}

	// Update
	var changes GroupChanges
	if len(ev.Changes) == 0 {
		return errorResponse(ev, "update requires a changes payload")
	}
	if err := json.Unmarshal(ev.Changes, &changes); err != nil {
		return errorResponse(ev, "invalid changes payload: "+err.Error())
	}
	if changes.Name == nil && changes.Enabled == nil {
		return SyncEventResponse{
			GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityGroup,
			EntityID: group.ID, ServerHash: serverHash, Message: "no changes",
		}
	}

	newUpdated := nextUpdatedAt(group.UpdatedAt, ev.Timestamp)
	err = withTx(func(tx *sql.Tx) error {
		setClauses := []string{}
		args := []interface{}{}

		if changes.Name != nil {
			setClauses = append(setClauses, "name = ?")
			args = append(args, *changes.Name)
			group.Name = *changes.Name
		}
		if changes.Enabled != nil {
			setClauses = append(setClauses, "enabled = ?")
			args = append(args, *changes.Enabled)
			group.Enabled = *changes.Enabled
		}

		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, newUpdated)
		group.UpdatedAt = newUpdated

		query := "UPDATE groups SET " + strings.Join(setClauses, ", ") + " WHERE id = ? AND deleted_at IS NULL"
		args = append(args, group.ID)
		if _, err := tx.Exec(query, args...); err != nil {
			return serr.Wrap(err, "failed to update group")
		}
		if err := recordEventTx(tx, ev); err != nil {
			return err
		}
		return advanceMetadataTx(tx, MetaLastGroupUpdate, newUpdated)
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityGroup,
		EntityID: group.ID, ServerHash: group.Hash(),
	}
}

func applyGroupCreate(ev SyncEvent) SyncEventResponse {
	var changes GroupChanges
	if len(ev.Changes) == 0 {
		return errorResponse(ev, "create requires a changes payload")
	}
	if err := json.Unmarshal(ev.Changes, &changes); err != nil {
		return errorResponse(ev, "invalid changes payload: "+err.Error())
	}
	if changes.Name == nil || *changes.Name == "" {
		return errorResponse(ev, "group name is required")
	}

	ts := clampEventTime(ev.Timestamp)
	var created *Group

	err := withTx(func(tx *sql.Tx) error {
		enabled := changes.Enabled == nil || *changes.Enabled

		row := tx.QueryRow(
			`INSERT INTO groups (name, enabled, created_at, updated_at)
			 VALUES (?, ?, CURRENT_TIMESTAMP, ?)
			 RETURNING `+groupColumns,
			*changes.Name, enabled, ts,
		)
		group, err := scanGroup(row)
		if err != nil {
			return serr.Wrap(err, "failed to insert group")
		}

		evWithID := ev
		evWithID.EntityID = group.ID
		if err := recordEventTx(tx, evWithID); err != nil {
			return err
		}
		if err := advanceMetadataTx(tx, MetaLastGroupUpdate, group.UpdatedAt); err != nil {
			return err
		}
		created = group
		return nil
	})
	if err != nil {
		return errorResponse(ev, err.Error())
	}

	return SyncEventResponse{
		GUID: ev.GUID, Status: StatusConfirmed, EntityType: EntityGroup,
		EntityID: created.ID, ServerHash: created.Hash(),
	}
}
