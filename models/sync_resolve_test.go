package models_test

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"taskhub/models"
)

func setupResolveTestDB(t *testing.T) func() {
	t.Helper()

	os.Remove("./test_sync_resolve.ddb")
	os.Remove("./test_sync_resolve.ddb.wal")

	if err := models.InitTestDB("./test_sync_resolve.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}

	return func() {
		models.CloseDB()
		os.Remove("./test_sync_resolve.ddb")
		os.Remove("./test_sync_resolve.ddb.wal")
	}
}

// TestApplyResolvedOverwrites verifies a winning snapshot replaces the
// server copy wholesale.
func TestApplyResolvedOverwrites(t *testing.T) {
	cleanup := setupResolveTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Original name")

	out := task.ToOutput()
	out.Name = "Resolved name"
	notes := "merged notes"
	out.Notes = &notes
	out.UpdatedAt = task.UpdatedAt.Add(10 * time.Second)
	data, _ := json.Marshal(out)

	results := models.ApplyResolvedData([]models.ResolvedItem{{
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Data:       data,
	}})

	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].Status != models.ApplyStatusApplied {
		t.Fatalf("expected applied, got %s (%s)", results[0].Status, results[0].Message)
	}

	fresh, _ := models.GetTaskByID(task.ID)
	if fresh.Name != "Resolved name" {
		t.Errorf("name not overwritten, got %q", fresh.Name)
	}
	if !fresh.Notes.Valid || fresh.Notes.String != "merged notes" {
		t.Errorf("notes not overwritten, got %+v", fresh.Notes)
	}
	if results[0].ServerHash != fresh.Hash() {
		t.Error("result hash should match the stored entity")
	}

	// The overwrite leaves an audit trace in history.
	history, _ := models.GetTaskHistory(task.ID)
	last := history[len(history)-1]
	if last.Action != models.ActionEdited {
		t.Errorf("expected EDITED history entry, got %s", last.Action)
	}
}

// TestApplyResolvedIdempotent verifies a retry with the target hash already
// in place reports applied without mutating anything.
func TestApplyResolvedIdempotent(t *testing.T) {
	cleanup := setupResolveTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Retry-safe chore")

	out := task.ToOutput()
	out.Name = "After resolution"
	out.UpdatedAt = task.UpdatedAt.Add(5 * time.Second)
	data, _ := json.Marshal(out)

	item := models.ResolvedItem{
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Data:       data,
	}

	first := models.ApplyResolvedData([]models.ResolvedItem{item})
	if first[0].Status != models.ApplyStatusApplied {
		t.Fatalf("first apply failed: %s", first[0].Message)
	}

	historyBefore, _ := models.GetTaskHistory(task.ID)

	// Retry targeting the state we just reached.
	item.TargetHash = first[0].ServerHash
	second := models.ApplyResolvedData([]models.ResolvedItem{item})
	if second[0].Status != models.ApplyStatusApplied {
		t.Fatalf("retry should report applied, got %s (%s)", second[0].Status, second[0].Message)
	}
	if second[0].ServerHash != first[0].ServerHash {
		t.Error("retry must not change the server hash")
	}

	historyAfter, _ := models.GetTaskHistory(task.ID)
	if len(historyAfter) != len(historyBefore) {
		t.Error("idempotent retry must not append history")
	}
}

// TestApplyResolvedClientWinWritesThrough verifies an item carrying the
// winning snapshot's own hash as the target is actually written: the server
// still holds the losing state, so the hash check must not short-circuit
// the overwrite, and afterwards the server hash converges on the target.
func TestApplyResolvedClientWinWritesThrough(t *testing.T) {
	cleanup := setupResolveTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Server copy")

	out := task.ToOutput()
	out.Name = "Client copy"
	out.UpdatedAt = task.UpdatedAt.Add(7 * time.Second)
	winner := *task
	winner.Name = out.Name
	winner.UpdatedAt = out.UpdatedAt
	out.Hash = winner.Hash()
	data, _ := json.Marshal(out)

	results := models.ApplyResolvedData([]models.ResolvedItem{{
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		TargetHash: out.Hash,
		Data:       data,
	}})

	if results[0].Status != models.ApplyStatusApplied {
		t.Fatalf("apply failed: %s", results[0].Message)
	}
	if results[0].Message != "" {
		t.Fatalf("apply must not short-circuit while the server holds the losing state: %s", results[0].Message)
	}

	fresh, _ := models.GetTaskByID(task.ID)
	if fresh.Name != "Client copy" {
		t.Errorf("server copy not overwritten, got %q", fresh.Name)
	}
	if fresh.Hash() != out.Hash {
		t.Error("server hash should converge on the target hash")
	}
}

// TestApplyResolvedTombstone verifies applying a deleted winning snapshot
// tombstones the server copy and clears assignments.
func TestApplyResolvedTombstone(t *testing.T) {
	cleanup := setupResolveTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "To be deleted by client")

	out := task.ToOutput()
	out.Deleted = true
	out.UpdatedAt = task.UpdatedAt.Add(time.Second)
	data, _ := json.Marshal(out)

	results := models.ApplyResolvedData([]models.ResolvedItem{{
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Data:       data,
	}})
	if results[0].Status != models.ApplyStatusApplied {
		t.Fatalf("apply failed: %s", results[0].Message)
	}

	fresh, _ := models.GetTaskByID(task.ID)
	if !fresh.Deleted() {
		t.Error("task should be a tombstone")
	}
	if len(fresh.Assignees) != 0 {
		t.Error("tombstone should carry no assignees")
	}

	history, _ := models.GetTaskHistory(task.ID)
	last := history[len(history)-1]
	if last.Action != models.ActionDeleted {
		t.Errorf("expected DELETED history entry, got %s", last.Action)
	}
}

// TestApplyResolvedBatchIndependence verifies one bad item does not block
// the rest of the batch.
func TestApplyResolvedBatchIndependence(t *testing.T) {
	cleanup := setupResolveTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Good item")
	out := task.ToOutput()
	out.Name = "Good item updated"
	out.UpdatedAt = task.UpdatedAt.Add(time.Second)
	good, _ := json.Marshal(out)

	results := models.ApplyResolvedData([]models.ResolvedItem{
		{EntityType: models.EntityTask, EntityID: 55555, Data: good},
		{EntityType: models.EntityTask, EntityID: task.ID, Data: good},
	})

	if results[0].Status != models.ApplyStatusFailed {
		t.Errorf("missing entity should fail, got %s", results[0].Status)
	}
	if results[1].Status != models.ApplyStatusApplied {
		t.Errorf("valid item should apply despite earlier failure, got %s (%s)",
			results[1].Status, results[1].Message)
	}
}
