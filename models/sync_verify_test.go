package models_test

import (
	"os"
	"testing"
	"time"

	"taskhub/models"

	"github.com/google/uuid"
)

func setupVerifyTestDB(t *testing.T) func() {
	t.Helper()

	os.Remove("./test_sync_verify.ddb")
	os.Remove("./test_sync_verify.ddb.wal")

	if err := models.InitTestDB("./test_sync_verify.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}

	return func() {
		models.CloseDB()
		os.Remove("./test_sync_verify.ddb")
		os.Remove("./test_sync_verify.ddb.wal")
	}
}

// TestVerifyPartition verifies every claimed id lands in exactly one of the
// four result sets.
func TestVerifyPartition(t *testing.T) {
	cleanup := setupVerifyTestDB(t)
	defer cleanup()

	matched := createTaskViaEvent(t, "Matched task")
	conflicted := createTaskViaEvent(t, "Conflicted task")
	serverOnly := createTaskViaEvent(t, "Server-only task")

	result, err := models.VerifyEntities(models.VerifyRequest{
		EntityType: models.EntityTask,
		Entities: []models.EntityRef{
			{ID: matched.ID, Hash: matched.Hash()},
			{ID: conflicted.ID, Hash: "stale-hash-from-client"},
			{ID: 424242, Hash: "never-existed"},
		},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if len(result.Matched) != 1 || result.Matched[0] != matched.ID {
		t.Errorf("expected matched=[%d], got %v", matched.ID, result.Matched)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0] != conflicted.ID {
		t.Errorf("expected conflicts=[%d], got %v", conflicted.ID, result.Conflicts)
	}
	if len(result.MissingOnClient) != 1 || result.MissingOnClient[0] != serverOnly.ID {
		t.Errorf("expected missing_on_client=[%d], got %v", serverOnly.ID, result.MissingOnClient)
	}
	if len(result.MissingOnServer) != 1 || result.MissingOnServer[0] != 424242 {
		t.Errorf("expected missing_on_server=[424242], got %v", result.MissingOnServer)
	}
}

// TestVerifyTombstoneParticipates verifies a deleted task is not reported
// as missing — its tombstone hash takes part in comparison so the deletion
// reaches clients still holding the live version.
func TestVerifyTombstoneParticipates(t *testing.T) {
	cleanup := setupVerifyTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Doomed task")
	liveHash := task.Hash()

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       uuid.NewString(),
		EventType:  models.EventDelete,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("delete failed: %s", resp.Message)
	}

	// Client still holds the live version — must surface as a conflict,
	// not missing_on_server.
	result, err := models.VerifyEntities(models.VerifyRequest{
		EntityType: models.EntityTask,
		Entities:   []models.EntityRef{{ID: task.ID, Hash: liveHash}},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0] != task.ID {
		t.Errorf("expected tombstone conflict for %d, got %+v", task.ID, result)
	}
	if len(result.MissingOnServer) != 0 {
		t.Errorf("tombstoned task must not be missing_on_server: %v", result.MissingOnServer)
	}

	// Client that already knows the tombstone matches.
	dead, _ := models.GetTaskByID(task.ID)
	result, err = models.VerifyEntities(models.VerifyRequest{
		EntityType: models.EntityTask,
		Entities:   []models.EntityRef{{ID: task.ID, Hash: dead.Hash()}},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(result.Matched) != 1 {
		t.Errorf("tombstone-aware client should match, got %+v", result)
	}
}

// TestVerifyUnknownEntityType verifies bad entity types are rejected.
func TestVerifyUnknownEntityType(t *testing.T) {
	cleanup := setupVerifyTestDB(t)
	defer cleanup()

	_, err := models.VerifyEntities(models.VerifyRequest{EntityType: "widget"})
	if err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

// TestDatasetChecksum verifies the whole-dataset checksum is stable across
// reads and changes when any entity changes.
func TestDatasetChecksum(t *testing.T) {
	cleanup := setupVerifyTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Checksum task")

	sum1, err := models.DatasetChecksum()
	if err != nil {
		t.Fatalf("checksum failed: %v", err)
	}
	sum2, err := models.DatasetChecksum()
	if err != nil {
		t.Fatalf("checksum failed: %v", err)
	}
	if sum1 != sum2 {
		t.Error("checksum should be stable when nothing changes")
	}

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       uuid.NewString(),
		EventType:  models.EventComplete,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("complete failed: %s", resp.Message)
	}

	sum3, err := models.DatasetChecksum()
	if err != nil {
		t.Fatalf("checksum failed: %v", err)
	}
	if sum3 == sum1 {
		t.Error("checksum should change when an entity changes")
	}
}
