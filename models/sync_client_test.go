package models_test

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"taskhub/models"
)

func setupClientTestDB(t *testing.T) func() {
	t.Helper()

	os.Remove("./test_sync_client.ddb")
	os.Remove("./test_sync_client.ddb.wal")

	if err := models.InitTestDB("./test_sync_client.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}

	return func() {
		models.CloseDB()
		os.Remove("./test_sync_client.ddb")
		os.Remove("./test_sync_client.ddb.wal")
	}
}

// TestSessionTransitionTable verifies the legal state machine: the working
// path, the skip paths, and the error escape hatches.
func TestSessionTransitionTable(t *testing.T) {
	legal := []struct{ from, to models.SessionState }{
		{models.SessionIdle, models.SessionPushing},
		{models.SessionPushing, models.SessionVerifying},
		{models.SessionVerifying, models.SessionResolving},
		{models.SessionVerifying, models.SessionIdle}, // nothing to resolve
		{models.SessionResolving, models.SessionApplying},
		{models.SessionResolving, models.SessionIdle}, // no client wins
		{models.SessionApplying, models.SessionIdle},
		{models.SessionPushing, models.SessionError},
		{models.SessionVerifying, models.SessionError},
		{models.SessionResolving, models.SessionError},
		{models.SessionApplying, models.SessionError},
		{models.SessionError, models.SessionPushing}, // restart after failure
		{models.SessionError, models.SessionIdle},
	}
	for _, tc := range legal {
		if !models.ValidTransition(tc.from, tc.to) {
			t.Errorf("transition %s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to models.SessionState }{
		{models.SessionIdle, models.SessionVerifying},  // cannot skip push
		{models.SessionIdle, models.SessionResolving},  // cannot skip ahead
		{models.SessionPushing, models.SessionIdle},    // push always verifies
		{models.SessionApplying, models.SessionPushing},
		{models.SessionIdle, models.SessionError}, // idle cannot fail
		{models.SessionVerifying, models.SessionApplying}, // resolution first
	}
	for _, tc := range illegal {
		if models.ValidTransition(tc.from, tc.to) {
			t.Errorf("transition %s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

// TestSyncConfigValidation verifies fail-fast on misconfiguration.
func TestSyncConfigValidation(t *testing.T) {
	disabled := &models.SyncConfig{Enabled: false}
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled config should validate: %v", err)
	}

	missing := &models.SyncConfig{Enabled: true, Interval: time.Minute}
	if err := missing.Validate(); err == nil {
		t.Error("enabled config without remote URL should fail validation")
	}

	tooFast := &models.SyncConfig{
		Enabled: true, RemoteURL: "http://hub:8000",
		Username: "sync", Password: "secretpass",
		Interval: time.Second,
	}
	if err := tooFast.Validate(); err == nil {
		t.Error("sub-10s interval should fail validation")
	}

	valid := &models.SyncConfig{
		Enabled: true, RemoteURL: "http://hub:8000",
		Username: "sync", Password: "secretpass",
		Interval: time.Minute, BatchSize: 100,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config should pass: %v", err)
	}
}

// TestOutboxQueueDrain verifies queue ordering, GUID assignment, and
// removal on confirmation.
func TestOutboxQueueDrain(t *testing.T) {
	cleanup := setupClientTestDB(t)
	defer cleanup()

	guid1, err := models.QueueSyncEvent(models.SyncEvent{
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes:    json.RawMessage(`{"name":"Queued task"}`),
	})
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if guid1 == "" {
		t.Fatal("queueing should assign a GUID")
	}

	guid2, err := models.QueueSyncEvent(models.SyncEvent{
		GUID:       "explicit-guid",
		EventType:  models.EventComplete,
		EntityType: models.EntityTask,
		EntityID:   12,
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if guid2 != "explicit-guid" {
		t.Errorf("explicit GUID should be kept, got %q", guid2)
	}

	count, err := models.PendingEventCount()
	if err != nil || count != 2 {
		t.Fatalf("expected 2 pending events, got %d (%v)", count, err)
	}

	events, err := models.GetPendingEvents(10)
	if err != nil {
		t.Fatalf("failed to load pending events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].GUID != guid1 {
		t.Error("events should drain oldest first")
	}
	if string(events[0].Changes) != `{"name":"Queued task"}` {
		t.Errorf("changes payload mangled: %s", events[0].Changes)
	}

	if err := models.DequeueSyncEvent(guid1); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	count, _ = models.PendingEventCount()
	if count != 1 {
		t.Errorf("expected 1 pending event after dequeue, got %d", count)
	}

	if err := models.BumpEventAttempts(guid2); err != nil {
		t.Fatalf("bump attempts failed: %v", err)
	}
}

// TestStatusDuringFailingSessions reads status while sessions fail on an
// unreachable remote. The interesting part runs under the race detector:
// status reads and session outcome writes overlap.
func TestStatusDuringFailingSessions(t *testing.T) {
	cleanup := setupClientTestDB(t)
	defer cleanup()

	client, err := models.NewSyncClient(&models.SyncConfig{
		Enabled: true, RemoteURL: "http://127.0.0.1:1",
		Username: "sync", Password: "secretpass",
		Interval: time.Minute, BatchSize: 50,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				client.GetStatus()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = client.SyncNow() // unreachable remote; the session fails fast
	}()
	wg.Wait()

	status := client.GetStatus()
	if status.Connected {
		t.Error("failing sessions should not report connected")
	}
	if status.LastError == "" {
		t.Error("status should surface the last session error")
	}
}

// TestOutboxPendingCreateGuard verifies a local-only entity with a create
// already sitting in the outbox is detectable, so a second verification
// pass does not queue the same entity again.
func TestOutboxPendingCreateGuard(t *testing.T) {
	cleanup := setupClientTestDB(t)
	defer cleanup()

	pending, err := models.HasPendingCreate(models.EntityTask, 42)
	if err != nil {
		t.Fatalf("pending check failed: %v", err)
	}
	if pending {
		t.Fatal("empty outbox should report no pending create")
	}

	guid, err := models.QueueSyncEvent(models.SyncEvent{
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		EntityID:   42,
		Timestamp:  time.Now(),
		Changes:    json.RawMessage(`{"name":"Offline chore"}`),
	})
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}

	pending, err = models.HasPendingCreate(models.EntityTask, 42)
	if err != nil {
		t.Fatalf("pending check failed: %v", err)
	}
	if !pending {
		t.Error("queued create should be reported as pending")
	}

	// A different entity, and the same id under another type, stay clear.
	if pending, _ := models.HasPendingCreate(models.EntityTask, 43); pending {
		t.Error("unrelated entity should not report a pending create")
	}
	if pending, _ := models.HasPendingCreate(models.EntityUser, 42); pending {
		t.Error("same id under another type should not report a pending create")
	}

	if err := models.DequeueSyncEvent(guid); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if pending, _ := models.HasPendingCreate(models.EntityTask, 42); pending {
		t.Error("confirmed create should clear the pending state")
	}
}

// TestReconcileCreatedEntityID verifies a confirmed create folds the local
// row onto the remote's id, references included, so the entity stops being
// reported missing on the remote.
func TestReconcileCreatedEntityID(t *testing.T) {
	cleanup := setupClientTestDB(t)
	defer cleanup()

	userResp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "reconcile-user",
		EventType:  models.EventCreate,
		EntityType: models.EntityUser,
		Timestamp:  time.Now(),
		Changes:    json.RawMessage(`{"name":"Jordan"}`),
	})
	if userResp.Status != models.StatusConfirmed {
		t.Fatalf("user create not confirmed: %s", userResp.Message)
	}
	userID := userResp.EntityID

	taskResp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "reconcile-task",
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes:    mustChanges(t, map[string]interface{}{"name": "Offline chore", "assignees": []int64{userID}}),
	})
	if taskResp.Status != models.StatusConfirmed {
		t.Fatalf("task create not confirmed: %s", taskResp.Message)
	}
	task, err := models.GetTaskByID(taskResp.EntityID)
	if err != nil || task == nil {
		t.Fatalf("failed to load created task: %v", err)
	}

	remoteID := task.ID + 100
	if err := models.ReconcileCreatedEntityID(models.EntityTask, task.ID, remoteID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	old, err := models.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if old != nil {
		t.Error("local id should no longer exist after remap")
	}

	moved, err := models.GetTaskByID(remoteID)
	if err != nil || moved == nil {
		t.Fatalf("task not found under remote id: %v", err)
	}
	if moved.Name != "Offline chore" {
		t.Errorf("remapped task lost its data, got %q", moved.Name)
	}
	if len(moved.Assignees) != 1 || moved.Assignees[0] != userID {
		t.Errorf("assignments should follow the remap, got %v", moved.Assignees)
	}

	history, err := models.GetTaskHistory(remoteID)
	if err != nil {
		t.Fatalf("history lookup failed: %v", err)
	}
	if len(history) == 0 {
		t.Error("history should follow the remap")
	}
}

// TestReconcileCreatedEntityIDOccupied verifies the fallback when the
// remote's id is already taken locally: the local-only row is dropped and
// its data returns from the remote on the next pull.
func TestReconcileCreatedEntityIDOccupied(t *testing.T) {
	cleanup := setupClientTestDB(t)
	defer cleanup()

	first := createTaskViaEvent(t, "First local task")
	second := createTaskViaEvent(t, "Second local task")

	if err := models.ReconcileCreatedEntityID(models.EntityTask, second.ID, first.ID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	kept, err := models.GetTaskByID(first.ID)
	if err != nil || kept == nil {
		t.Fatalf("occupying task should survive: %v", err)
	}
	if kept.Name != "First local task" {
		t.Errorf("occupying task mutated, got %q", kept.Name)
	}

	dropped, err := models.GetTaskByID(second.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if dropped != nil {
		t.Error("superseded local row should be dropped")
	}
}
