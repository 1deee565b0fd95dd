package models_test

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"taskhub/models"

	"github.com/google/uuid"
)

// setupEventTestDB initializes a clean test database for event applier tests.
func setupEventTestDB(t *testing.T) func() {
	t.Helper()

	os.Remove("./test_sync_event.ddb")
	os.Remove("./test_sync_event.ddb.wal")

	if err := models.InitTestDB("./test_sync_event.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}

	return func() {
		models.CloseDB()
		os.Remove("./test_sync_event.ddb")
		os.Remove("./test_sync_event.ddb.wal")
	}
}

// mustChanges marshals a change map into a raw payload.
func mustChanges(t *testing.T, changes map[string]interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(changes)
	if err != nil {
		t.Fatalf("failed to marshal changes: %v", err)
	}
	return data
}

// createTaskViaEvent creates a task through the applier and returns it.
func createTaskViaEvent(t *testing.T, name string) *models.Task {
	t.Helper()
	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       uuid.NewString(),
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes:    mustChanges(t, map[string]interface{}{"name": name}),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("create event not confirmed: %s (%s)", resp.Status, resp.Message)
	}
	task, err := models.GetTaskByID(resp.EntityID)
	if err != nil || task == nil {
		t.Fatalf("failed to load created task: %v", err)
	}
	return task
}

// TestApplyCreateEvent verifies the full create path: row, history entry,
// and a server hash in the response.
func TestApplyCreateEvent(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "create-evt-1",
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes: mustChanges(t, map[string]interface{}{
			"name":  "Water the plants",
			"notes": "Front porch too",
		}),
	})

	if resp.Status != models.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", resp.Status, resp.Message)
	}
	if resp.EntityID == 0 {
		t.Fatal("expected a server-assigned entity id")
	}

	task, err := models.GetTaskByID(resp.EntityID)
	if err != nil || task == nil {
		t.Fatalf("created task not found: %v", err)
	}
	if task.Name != "Water the plants" {
		t.Errorf("unexpected name %q", task.Name)
	}
	if resp.ServerHash != task.Hash() {
		t.Error("response hash does not match stored task hash")
	}

	history, err := models.GetTaskHistory(task.ID)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != 1 || history[0].Action != models.ActionCreated {
		t.Errorf("expected exactly one CREATED entry, got %+v", history)
	}
}

// TestApplyEventReplay verifies exactly-once semantics: replaying a GUID
// confirms without reapplying or duplicating history.
func TestApplyEventReplay(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Feed the cat")

	ev := models.SyncEvent{
		GUID:       "complete-evt-replay",
		EventType:  models.EventComplete,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
	}

	first := models.ApplySyncEvent(ev)
	if first.Status != models.StatusConfirmed {
		t.Fatalf("first apply not confirmed: %s (%s)", first.Status, first.Message)
	}

	second := models.ApplySyncEvent(ev)
	if second.Status != models.StatusConfirmed {
		t.Fatalf("replay not confirmed: %s (%s)", second.Status, second.Message)
	}
	if second.ServerHash != first.ServerHash {
		t.Error("replay should return the same server hash")
	}

	history, err := models.GetTaskHistory(task.ID)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	confirmedCount := 0
	for _, h := range history {
		if h.Action == models.ActionConfirmed {
			confirmedCount++
		}
	}
	if confirmedCount != 1 {
		t.Errorf("expected exactly one CONFIRMED entry after replay, got %d", confirmedCount)
	}
}

// TestApplyCreateEventReplay verifies a replayed create confirms with the
// id and hash of the originally created entity. The retry carries no entity
// id, so the applier must fall back on the id recorded at apply time.
func TestApplyCreateEventReplay(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	ev := models.SyncEvent{
		GUID:       "create-evt-retry",
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes:    mustChanges(t, map[string]interface{}{"name": "Water the plants"}),
	}

	first := models.ApplySyncEvent(ev)
	if first.Status != models.StatusConfirmed {
		t.Fatalf("create not confirmed: %s (%s)", first.Status, first.Message)
	}
	if first.EntityID == 0 || first.ServerHash == "" {
		t.Fatal("create response must carry the assigned id and hash")
	}

	second := models.ApplySyncEvent(ev)
	if second.Status != models.StatusConfirmed {
		t.Fatalf("replayed create not confirmed: %s (%s)", second.Status, second.Message)
	}
	if second.EntityID != first.EntityID {
		t.Errorf("replay should report the created entity id %d, got %d", first.EntityID, second.EntityID)
	}
	if second.ServerHash != first.ServerHash {
		t.Errorf("replay should report the created entity's hash %q, got %q", first.ServerHash, second.ServerHash)
	}

	tasks, err := models.GetAllTasks()
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("replayed create must not insert a second task, got %d", len(tasks))
	}
}

// TestApplyEventConcurrentSameGUID verifies concurrent deliveries of one
// event all confirm while only one of them mutates: whichever delivery
// arrives second must observe the first and answer as a replay.
func TestApplyEventConcurrentSameGUID(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	ev := models.SyncEvent{
		GUID:       "create-evt-concurrent",
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes:    mustChanges(t, map[string]interface{}{"name": "Take out recycling"}),
	}

	const deliveries = 8
	responses := make([]models.SyncEventResponse, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = models.ApplySyncEvent(ev)
		}(i)
	}
	wg.Wait()

	for i, resp := range responses {
		if resp.Status != models.StatusConfirmed {
			t.Errorf("delivery %d not confirmed: %s (%s)", i, resp.Status, resp.Message)
		}
		if resp.EntityID == 0 {
			t.Errorf("delivery %d missing the created entity id", i)
		}
	}

	tasks, err := models.GetAllTasks()
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected exactly one task, got %d", len(tasks))
	}
}

// TestApplyUpdateStaleHash verifies a stale client hash yields a conflict
// and leaves the entity untouched.
func TestApplyUpdateStaleHash(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Mow the lawn")

	newName := "Mow the back lawn"
	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "update-stale-1",
		EventType:  models.EventUpdate,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
		ClientHash: "deadbeef-stale-hash",
		Changes:    mustChanges(t, map[string]interface{}{"name": newName}),
	})

	if resp.Status != models.StatusConflict {
		t.Fatalf("expected conflict, got %s (%s)", resp.Status, resp.Message)
	}
	if resp.ServerHash != task.Hash() {
		t.Error("conflict response should carry the current server hash")
	}

	fresh, _ := models.GetTaskByID(task.ID)
	if fresh.Name != "Mow the lawn" {
		t.Error("a conflicted update must not modify the entity")
	}
}

// TestApplyUpdateWithMatchingHash verifies an update with the correct client
// hash applies and advances updated_at.
func TestApplyUpdateWithMatchingHash(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Clean windows")

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "update-ok-1",
		EventType:  models.EventUpdate,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now().Add(time.Second),
		ClientHash: task.Hash(),
		Changes:    mustChanges(t, map[string]interface{}{"name": "Clean all windows"}),
	})

	if resp.Status != models.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", resp.Status, resp.Message)
	}

	fresh, _ := models.GetTaskByID(task.ID)
	if fresh.Name != "Clean all windows" {
		t.Errorf("update did not apply, name is %q", fresh.Name)
	}
	if !fresh.UpdatedAt.After(task.UpdatedAt) {
		t.Error("updated_at should advance on an applied update")
	}
}

// TestApplyFutureTimestampClamped verifies a client clock running fast
// cannot push updated_at into the future.
func TestApplyFutureTimestampClamped(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "future-create-1",
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now().Add(48 * time.Hour),
		Changes:    mustChanges(t, map[string]interface{}{"name": "Time traveler"}),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", resp.Status, resp.Message)
	}

	task, _ := models.GetTaskByID(resp.EntityID)
	if task.UpdatedAt.After(time.Now().Add(time.Minute)) {
		t.Errorf("updated_at %v was not clamped to arrival time", task.UpdatedAt)
	}
}

// TestApplyDeleteIdempotent verifies delete tombstones once and confirms
// silently on repeat, with a single DELETED history entry.
func TestApplyDeleteIdempotent(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Old chore")

	first := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "delete-1",
		EventType:  models.EventDelete,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
	})
	if first.Status != models.StatusConfirmed {
		t.Fatalf("delete not confirmed: %s (%s)", first.Status, first.Message)
	}

	dead, _ := models.GetTaskByID(task.ID)
	if dead == nil || !dead.Deleted() {
		t.Fatal("task should be a tombstone after delete")
	}

	second := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "delete-2",
		EventType:  models.EventDelete,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
	})
	if second.Status != models.StatusConfirmed {
		t.Fatalf("repeat delete should confirm, got %s (%s)", second.Status, second.Message)
	}

	history, _ := models.GetTaskHistory(task.ID)
	deletedCount := 0
	for _, h := range history {
		if h.Action == models.ActionDeleted {
			deletedCount++
		}
	}
	if deletedCount != 1 {
		t.Errorf("expected exactly one DELETED entry, got %d", deletedCount)
	}
}

// TestApplyCompleteUncomplete verifies the completion cycle and its history.
func TestApplyCompleteUncomplete(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Laundry")

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "complete-1",
		EventType:  models.EventComplete,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("complete not confirmed: %s", resp.Message)
	}

	done, _ := models.GetTaskByID(task.ID)
	if !done.Completed {
		t.Fatal("task should be completed")
	}

	resp = models.ApplySyncEvent(models.SyncEvent{
		GUID:       "uncomplete-1",
		EventType:  models.EventUncomplete,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("uncomplete not confirmed: %s", resp.Message)
	}

	undone, _ := models.GetTaskByID(task.ID)
	if undone.Completed {
		t.Fatal("task should be uncompleted")
	}

	history, _ := models.GetTaskHistory(task.ID)
	var actions []string
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	want := []string{models.ActionCreated, models.ActionConfirmed, models.ActionUnconfirmed}
	if len(actions) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected actions %v, got %v", want, actions)
		}
	}
}

// TestApplyEnabledFlipHistory verifies a pure enable/disable update records
// ACTIVATED/DEACTIVATED instead of EDITED.
func TestApplyEnabledFlipHistory(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	task := createTaskViaEvent(t, "Seasonal chore")

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       "disable-1",
		EventType:  models.EventUpdate,
		EntityType: models.EntityTask,
		EntityID:   task.ID,
		Timestamp:  time.Now(),
		Changes:    mustChanges(t, map[string]interface{}{"enabled": false}),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("disable not confirmed: %s", resp.Message)
	}

	history, _ := models.GetTaskHistory(task.ID)
	last := history[len(history)-1]
	if last.Action != models.ActionDeactivated {
		t.Errorf("expected DEACTIVATED, got %s", last.Action)
	}
}

// TestApplyEventValidation verifies structurally invalid events error out
// without touching the store.
func TestApplyEventValidation(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	cases := []struct {
		name string
		ev   models.SyncEvent
	}{
		{"missing guid", models.SyncEvent{EventType: models.EventCreate, EntityType: models.EntityTask}},
		{"unknown entity type", models.SyncEvent{GUID: "g1", EventType: models.EventCreate, EntityType: "gadget"}},
		{"unknown event type", models.SyncEvent{GUID: "g2", EventType: "explode", EntityType: models.EntityTask}},
		{"complete on user", models.SyncEvent{GUID: "g3", EventType: models.EventComplete, EntityType: models.EntityUser, EntityID: 1}},
		{"update without id", models.SyncEvent{GUID: "g4", EventType: models.EventUpdate, EntityType: models.EntityTask}},
		{"update of missing task", models.SyncEvent{GUID: "g5", EventType: models.EventUpdate, EntityType: models.EntityTask, EntityID: 9999,
			Changes: json.RawMessage(`{"name":"x"}`)}},
	}

	for _, tc := range cases {
		resp := models.ApplySyncEvent(tc.ev)
		if resp.Status != models.StatusError {
			t.Errorf("%s: expected error status, got %s", tc.name, resp.Status)
		}
	}
}

// TestApplyMetadataAdvances verifies confirmed events move the per-entity
// high-water mark.
func TestApplyMetadataAdvances(t *testing.T) {
	cleanup := setupEventTestDB(t)
	defer cleanup()

	before, _, err := models.GetMetadata(models.MetaLastTaskUpdate)
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}

	task := createTaskViaEvent(t, "Watermark check")

	after, found, err := models.GetMetadata(models.MetaLastTaskUpdate)
	if err != nil || !found {
		t.Fatalf("metadata missing after create: %v", err)
	}
	if !after.After(before) && !before.IsZero() {
		t.Error("high-water mark did not advance")
	}
	if !after.Equal(task.UpdatedAt) {
		t.Errorf("mark %v should equal task updated_at %v", after, task.UpdatedAt)
	}
}
