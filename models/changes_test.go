package models_test

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"taskhub/models"

	"github.com/google/uuid"
)

func setupChangesTestDB(t *testing.T) func() {
	t.Helper()

	os.Remove("./test_changes.ddb")
	os.Remove("./test_changes.ddb.wal")

	if err := models.InitTestDB("./test_changes.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}

	return func() {
		models.CloseDB()
		os.Remove("./test_changes.ddb")
		os.Remove("./test_changes.ddb.wal")
	}
}

// TestTaskChangesPartial verifies absent fields stay nil while present
// fields decode, including explicit zero values.
func TestTaskChangesPartial(t *testing.T) {
	var changes models.TaskChanges
	err := json.Unmarshal([]byte(`{"name":"Sweep porch","completed":false}`), &changes)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if changes.Name == nil || *changes.Name != "Sweep porch" {
		t.Error("name should decode")
	}
	if changes.Completed == nil || *changes.Completed != false {
		t.Error("explicit false should decode as a present pointer")
	}
	if changes.Notes != nil || changes.Enabled != nil || changes.GroupID != nil {
		t.Error("absent fields must stay nil")
	}
}

// TestTaskChangesUnknownRoundTrip verifies fields this server version does
// not understand survive a decode/encode cycle untouched.
func TestTaskChangesUnknownRoundTrip(t *testing.T) {
	input := []byte(`{"name":"Future task","priority":"high","color":{"r":255,"g":0,"b":0}}`)

	var changes models.TaskChanges
	if err := json.Unmarshal(input, &changes); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if len(changes.Unknown) != 2 {
		t.Fatalf("expected 2 unknown fields, got %d", len(changes.Unknown))
	}
	if string(changes.Unknown["priority"]) != `"high"` {
		t.Errorf("priority not preserved: %s", changes.Unknown["priority"])
	}

	out, err := json.Marshal(&changes)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}
	if string(decoded["priority"]) != `"high"` {
		t.Error("unknown field lost on marshal")
	}
	if string(decoded["name"]) != `"Future task"` {
		t.Error("known field lost on marshal")
	}
	if _, ok := decoded["color"]; !ok {
		t.Error("structured unknown field lost on marshal")
	}
}

// TestNotesDiffRoundTrip verifies a diff made from old->new applies cleanly
// to the old text and reproduces the new text.
func TestNotesDiffRoundTrip(t *testing.T) {
	oldNotes := "Buy milk\nBuy eggs\nBuy bread"
	newNotes := "Buy milk\nBuy eggs\nBuy sourdough bread\nBuy jam"

	patch := models.MakeNotesDiff(oldNotes, newNotes)
	if patch == "" {
		t.Fatal("expected a non-empty patch")
	}

	cleanup := setupChangesTestDB(t)
	defer cleanup()

	// Seed a task with the old notes, then update via diff.
	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       uuid.NewString(),
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes:    mustChanges(t, map[string]interface{}{"name": "Groceries", "notes": oldNotes}),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("create failed: %s", resp.Message)
	}

	resp = models.ApplySyncEvent(models.SyncEvent{
		GUID:       uuid.NewString(),
		EventType:  models.EventUpdate,
		EntityType: models.EntityTask,
		EntityID:   resp.EntityID,
		Timestamp:  time.Now().Add(time.Second),
		Changes: mustChanges(t, map[string]interface{}{
			"notes":         patch,
			"notes_is_diff": true,
		}),
	})
	if resp.Status != models.StatusConfirmed {
		t.Fatalf("diff update failed: %s", resp.Message)
	}

	task, _ := models.GetTaskByID(resp.EntityID)
	if !task.Notes.Valid || task.Notes.String != newNotes {
		t.Errorf("diff apply produced %q, want %q", task.Notes.String, newNotes)
	}
}

// TestNotesDiffOnCreateRejected verifies a create cannot carry a diff —
// there is no base text to patch.
func TestNotesDiffOnCreateRejected(t *testing.T) {
	cleanup := setupChangesTestDB(t)
	defer cleanup()

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       uuid.NewString(),
		EventType:  models.EventCreate,
		EntityType: models.EntityTask,
		Timestamp:  time.Now(),
		Changes: mustChanges(t, map[string]interface{}{
			"name":          "Bad create",
			"notes":         "@@ -1,4 +1,4 @@",
			"notes_is_diff": true,
		}),
	})
	if resp.Status != models.StatusError {
		t.Errorf("expected error for diff on create, got %s", resp.Status)
	}
}

// TestMsgPackNotesRoundTrip verifies the hybrid notes encoding.
func TestMsgPackNotesRoundTrip(t *testing.T) {
	notes := "Long shopping list:\n- flour\n- sugar\n- coffee"

	encoded, err := models.EncodeMsgPackNotes(&notes)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if encoded == "" {
		t.Fatal("expected non-empty encoding")
	}

	decoded, err := models.DecodeMsgPackNotes(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded == nil || *decoded != notes {
		t.Errorf("round trip mismatch: got %v", decoded)
	}

	// Empty input round-trips to nil on both sides.
	empty, err := models.EncodeMsgPackNotes(nil)
	if err != nil || empty != "" {
		t.Errorf("nil notes should encode to empty string, got %q (%v)", empty, err)
	}
	none, err := models.DecodeMsgPackNotes("")
	if err != nil || none != nil {
		t.Errorf("empty string should decode to nil, got %v (%v)", none, err)
	}
}
