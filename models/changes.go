package models

import (
	"encoding/json"

	"github.com/rohanthewiz/serr"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ============================================================================
// Change Sets
//
// A SyncEvent's changes payload is a typed, per-entity partial field set:
// pointer fields distinguish "not present" from a real value, so an update
// only touches what the client actually edited. Fields the server doesn't
// know about are captured verbatim in an Unknown side channel and carried
// back out on marshal — newer clients can round-trip fields through an
// older server without loss, and without resorting to open maps.
// ============================================================================

// TaskChanges is the partial field set for task create/update events.
// A nil pointer means "unchanged". Notes may arrive as a diff-match-patch
// text patch against the client's base version when NotesIsDiff is set.
type TaskChanges struct {
	Name        *string  `json:"name,omitempty"`
	Notes       *string  `json:"notes,omitempty"`
	NotesIsDiff bool     `json:"notes_is_diff,omitempty"`
	Completed   *bool    `json:"completed,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Recurrence  *string  `json:"recurrence,omitempty"`
	GroupID     *int64   `json:"group_id,omitempty"`
	Assignees   *[]int64 `json:"assignees,omitempty"`

	// Unknown holds fields this server version doesn't understand.
	Unknown map[string]json.RawMessage `json:"-"`
}

// taskChangesKnownKeys are the JSON keys the typed fields above own.
var taskChangesKnownKeys = map[string]bool{
	"name": true, "notes": true, "notes_is_diff": true, "completed": true,
	"enabled": true, "recurrence": true, "group_id": true, "assignees": true,
}

// UserChanges is the partial field set for user create/update events.
// Credentials never travel here — password changes go through the auth API.
type UserChanges struct {
	Name    *string `json:"name,omitempty"`
	Email   *string `json:"email,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`

	Unknown map[string]json.RawMessage `json:"-"`
}

var userChangesKnownKeys = map[string]bool{
	"name": true, "email": true, "enabled": true,
}

// GroupChanges is the partial field set for group create/update events.
type GroupChanges struct {
	Name    *string `json:"name,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`

	Unknown map[string]json.RawMessage `json:"-"`
}

var groupChangesKnownKeys = map[string]bool{
	"name": true, "enabled": true,
}

// splitUnknownFields separates the raw object into known-key JSON (for
// decoding into the typed struct) and the unknown remainder.
func splitUnknownFields(data []byte, known map[string]bool) ([]byte, map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, nil, serr.Wrap(err, "changes payload is not a JSON object")
	}

	var unknown map[string]json.RawMessage
	knownOnly := map[string]json.RawMessage{}
	for k, v := range all {
		if known[k] {
			knownOnly[k] = v
			continue
		}
		if unknown == nil {
			unknown = map[string]json.RawMessage{}
		}
		unknown[k] = v
	}

	knownJSON, err := json.Marshal(knownOnly)
	if err != nil {
		return nil, nil, serr.Wrap(err, "failed to re-marshal known change fields")
	}
	return knownJSON, unknown, nil
}

// mergeUnknownFields folds the unknown side channel back into marshaled JSON.
func mergeUnknownFields(data []byte, unknown map[string]json.RawMessage) ([]byte, error) {
	if len(unknown) == 0 {
		return data, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, serr.Wrap(err, "failed to unmarshal changes for unknown merge")
	}
	for k, v := range unknown {
		if _, exists := all[k]; !exists {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// UnmarshalJSON captures unknown fields into the side channel.
func (c *TaskChanges) UnmarshalJSON(data []byte) error {
	knownJSON, unknown, err := splitUnknownFields(data, taskChangesKnownKeys)
	if err != nil {
		return err
	}

	type alias TaskChanges
	var a alias
	if err := json.Unmarshal(knownJSON, &a); err != nil {
		return serr.Wrap(err, "invalid task changes payload")
	}
	*c = TaskChanges(a)
	c.Unknown = unknown
	return nil
}

// MarshalJSON folds unknown fields back into the output.
func (c TaskChanges) MarshalJSON() ([]byte, error) {
	type alias TaskChanges
	data, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	return mergeUnknownFields(data, c.Unknown)
}

func (c *UserChanges) UnmarshalJSON(data []byte) error {
	knownJSON, unknown, err := splitUnknownFields(data, userChangesKnownKeys)
	if err != nil {
		return err
	}

	type alias UserChanges
	var a alias
	if err := json.Unmarshal(knownJSON, &a); err != nil {
		return serr.Wrap(err, "invalid user changes payload")
	}
	*c = UserChanges(a)
	c.Unknown = unknown
	return nil
}

func (c UserChanges) MarshalJSON() ([]byte, error) {
	type alias UserChanges
	data, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	return mergeUnknownFields(data, c.Unknown)
}

func (c *GroupChanges) UnmarshalJSON(data []byte) error {
	knownJSON, unknown, err := splitUnknownFields(data, groupChangesKnownKeys)
	if err != nil {
		return err
	}

	type alias GroupChanges
	var a alias
	if err := json.Unmarshal(knownJSON, &a); err != nil {
		return serr.Wrap(err, "invalid group changes payload")
	}
	*c = GroupChanges(a)
	c.Unknown = unknown
	return nil
}

func (c GroupChanges) MarshalJSON() ([]byte, error) {
	type alias GroupChanges
	data, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	return mergeUnknownFields(data, c.Unknown)
}

// ============================================================================
// Notes diff transport
// ============================================================================

// MakeNotesDiff builds a diff-match-patch text patch transforming old into new.
// Clients use this to ship long notes edits compactly.
func MakeNotesDiff(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(oldText, newText)
	return dmp.PatchToText(patches)
}

// applyNotesDiff resolves a text patch against the current notes.
// Fails if any hunk doesn't apply cleanly — a dirty patch means the client's
// base diverged from the server, which the hash check should have caught.
func applyNotesDiff(current, patchText string) (string, error) {
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return "", serr.Wrap(err, "failed to parse notes patch")
	}

	result, applied := dmp.PatchApply(patches, current)
	for i, ok := range applied {
		if !ok {
			return "", serr.New("notes patch hunk did not apply cleanly: hunk " + canonicalInt(int64(i)))
		}
	}
	return result, nil
}
