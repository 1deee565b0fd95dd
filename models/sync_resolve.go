package models

import (
	"database/sql"
	"encoding/json"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Applying resolved data
//
// After a client-win resolution, the client sends the winning full snapshot
// back and the server overwrites its copy wholesale. The call is idempotent
// per item: the target hash travels with the data, and if the server already
// holds that hash the item reports applied without touching anything —
// retrying a dropped response is always safe.
// ============================================================================

// Per-item apply outcomes.
const (
	ApplyStatusApplied = "applied"
	ApplyStatusFailed  = "failed"
)

// ResolvedItem is one winning snapshot to be written onto the server.
type ResolvedItem struct {
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	TargetHash string          `json:"target_hash"`
	Data       json.RawMessage `json:"data"`
}

// ApplyResolvedResult is the per-item outcome.
type ApplyResolvedResult struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Status     string `json:"status"`
	ServerHash string `json:"server_hash,omitempty"`
	Message    string `json:"message,omitempty"`
}

func applyFailed(item ResolvedItem, msg string) ApplyResolvedResult {
	return ApplyResolvedResult{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Status:     ApplyStatusFailed,
		Message:    msg,
	}
}

// ApplyResolvedData overwrites server entities with winning snapshots.
// Items are independent: one failure never blocks the rest of the batch.
func ApplyResolvedData(items []ResolvedItem) []ApplyResolvedResult {
	results := make([]ApplyResolvedResult, 0, len(items))
	for _, item := range items {
		results = append(results, applyResolvedItem(item))
	}
	return results
}

func applyResolvedItem(item ResolvedItem) ApplyResolvedResult {
	switch item.EntityType {
	case EntityTask:
		return applyResolvedTask(item)
	case EntityUser:
		return applyResolvedUser(item)
	case EntityGroup:
		return applyResolvedGroup(item)
	}
	return applyFailed(item, "unknown entity type: "+item.EntityType)
}

func applyResolvedTask(item ResolvedItem) ApplyResolvedResult {
	mu := lockEntity(EntityTask, item.EntityID)
	defer mu.Unlock()

	task, err := GetTaskByID(item.EntityID)
	if err != nil {
		return applyFailed(item, "store unavailable: "+err.Error())
	}
	if task == nil {
		return applyFailed(item, "task not found")
	}

	serverHash := task.Hash()
	if item.TargetHash != "" && serverHash == item.TargetHash {
		return ApplyResolvedResult{
			EntityType: EntityTask, EntityID: task.ID,
			Status: ApplyStatusApplied, ServerHash: serverHash,
			Message: "already at target state",
		}
	}

	var data TaskOutput
	if err := json.Unmarshal(item.Data, &data); err != nil {
		return applyFailed(item, "invalid resolved data: "+err.Error())
	}
	if data.Name == "" {
		return applyFailed(item, "resolved data is missing the task name")
	}

	newUpdated := nextUpdatedAt(task.UpdatedAt, data.UpdatedAt)
	wasDeleted := task.Deleted()

	err = withTx(func(tx *sql.Tx) error {
		notes := sql.NullString{}
		if data.Notes != nil && *data.Notes != "" {
			notes = sql.NullString{String: *data.Notes, Valid: true}
		}
		recurrence := sql.NullString{}
		if data.Recurrence != nil && *data.Recurrence != "" {
			recurrence = sql.NullString{String: *data.Recurrence, Valid: true}
		}
		groupID := sql.NullInt64{}
		if data.GroupID != nil && *data.GroupID != 0 {
			groupID = sql.NullInt64{Int64: *data.GroupID, Valid: true}
		}
		deletedAt := sql.NullTime{}
		if data.Deleted {
			deletedAt = sql.NullTime{Time: newUpdated, Valid: true}
		}

		if _, err := tx.Exec(
			`UPDATE tasks SET name = ?, notes = ?, completed = ?, enabled = ?,
				recurrence = ?, group_id = ?, updated_at = ?, deleted_at = ?
			 WHERE id = ?`,
			data.Name, notes, data.Completed, data.Enabled,
			recurrence, groupID, newUpdated, deletedAt, task.ID,
		); err != nil {
			return serr.Wrap(err, "failed to overwrite task with resolved data")
		}

		assignees := data.Assignees
		if data.Deleted {
			assignees = []int64{}
		}
		if err := replaceTaskAssigneesTx(tx, task.ID, assignees); err != nil {
			return err
		}

		action := ActionEdited
		if data.Deleted && !wasDeleted {
			action = ActionDeleted
		}
		if err := appendTaskHistoryTx(tx, task.ID, action, newUpdated, nil,
			`{"source":"conflict_resolution"}`); err != nil {
			return err
		}
		return advanceMetadataTx(tx, MetaLastTaskUpdate, newUpdated)
	})
	if err != nil {
		return applyFailed(item, err.Error())
	}

	fresh, err := GetTaskByID(item.EntityID)
	if err != nil || fresh == nil {
		return applyFailed(item, "failed to reload task after apply")
	}
	logger.Debug("Resolved data applied", "entity_type", EntityTask, "entity_id", canonicalInt(task.ID))
	return ApplyResolvedResult{
		EntityType: EntityTask, EntityID: task.ID,
		Status: ApplyStatusApplied, ServerHash: fresh.Hash(),
	}
}

func applyResolvedUser(item ResolvedItem) ApplyResolvedResult {
	mu := lockEntity(EntityUser, item.EntityID)
	defer mu.Unlock()

	user, err := GetUserByID(item.EntityID)
	if err != nil {
		return applyFailed(item, "store unavailable: "+err.Error())
	}
	if user == nil {
		return applyFailed(item, "user not found")
	}

	serverHash := user.Hash()
	if item.TargetHash != "" && serverHash == item.TargetHash {
		return ApplyResolvedResult{
			EntityType: EntityUser, EntityID: user.ID,
			Status: ApplyStatusApplied, ServerHash: serverHash,
			Message: "already at target state",
		}
	}

	var data UserOutput
	if err := json.Unmarshal(item.Data, &data); err != nil {
		return applyFailed(item, "invalid resolved data: "+err.Error())
	}
	if data.Name == "" {
		return applyFailed(item, "resolved data is missing the user name")
	}

	newUpdated := nextUpdatedAt(user.UpdatedAt, data.UpdatedAt)

	err = withTx(func(tx *sql.Tx) error {
		email := sql.NullString{}
		if data.Email != nil && *data.Email != "" {
			email = sql.NullString{String: *data.Email, Valid: true}
		}
		deletedAt := sql.NullTime{}
		if data.Deleted {
			deletedAt = sql.NullTime{Time: newUpdated, Valid: true}
		}

		if _, err := tx.Exec(
			`UPDATE users SET name = ?, email = ?, enabled = ?, updated_at = ?, deleted_at = ?
			 WHERE id = ?`,
			data.Name, email, data.Enabled, newUpdated, deletedAt, user.ID,
		); err != nil {
			return serr.Wrap(err, "failed to overwrite user with resolved data")
		}
		if data.Deleted {
			if _, err := tx.Exec(`DELETE FROM task_users WHERE user_id = ?`, user.ID); err != nil {
				return serr.Wrap(err, "failed to remove assignments of deleted user")
			}
		}
		return advanceMetadataTx(tx, MetaLastUserUpdate, newUpdated)
	})
	if err != nil {
		return applyFailed(item, err.Error())
	}

	fresh, err := GetUserByID(item.EntityID)
	if err != nil || fresh == nil {
		return applyFailed(item, "failed to reload user after apply")
	}
	return ApplyResolvedResult{
		EntityType: EntityUser, EntityID: user.ID,
		Status: ApplyStatusApplied, ServerHash: fresh.Hash(),
	}
}

func applyResolvedGroup(item ResolvedItem) ApplyResolvedResult {
	mu := lockEntity(EntityGroup, item.EntityID)
	defer mu.Unlock()

	group, err := GetGroupByID(item.EntityID)
	if err != nil {
		return applyFailed(item, "store unavailable: "+err.Error())
	}
	if group == nil {
		return applyFailed(item, "group not found")
	}

	serverHash := group.Hash()
	if item.TargetHash != "" && serverHash == item.TargetHash {
		return ApplyResolvedResult{
			EntityType: EntityGroup, EntityID: group.ID,
			Status: ApplyStatusApplied, ServerHash: serverHash,
			Message: "already at target state",
		}
	}

	var data GroupOutput
	if err := json.Unmarshal(item.Data, &data); err != nil {
		return applyFailed(item, "invalid resolved data: "+err.Error())
	}
	if data.Name == "" {
		return applyFailed(item, "resolved data is missing the group name")
	}

	newUpdated := nextUpdatedAt(group.UpdatedAt, data.UpdatedAt)

	err = withTx(func(tx *sql.Tx) error {
		deletedAt := sql.NullTime{}
		if data.Deleted {
			deletedAt = sql.NullTime{Time: newUpdated, Valid: true}
		}
		if _, err := tx.Exec(
			`UPDATE groups SET name = ?, enabled = ?, updated_at = ?, deleted_at = ?
			 WHERE id = ?`,
			data.Name, data.Enabled, newUpdated, deletedAt, group.ID,
		); err != nil {
			return serr.Wrap(err, "failed to overwrite group with resolved data")
		}
		return advanceMetadataTx(tx, MetaLastGroupUpdate, newUpdated)
	})
	if err != nil {
		return applyFailed(item, err.Error())
	}

	fresh, err := GetGroupByID(item.EntityID)
	if err != nil || fresh == nil {
		return applyFailed(item, "failed to reload group after apply")
	}
	return ApplyResolvedResult{
		EntityType: EntityGroup, EntityID: group.ID,
		Status: ApplyStatusApplied, ServerHash: fresh.Hash(),
	}
}
