package models

import (
	"encoding/base64"

	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"
)

// Hybrid JSON/msgpack encoding for task notes.
//
// Only the notes field is msgpack-encoded; everything else stays regular
// JSON. Notes are the one free-text field that grows large (shopping lists,
// instructions), so this is where the encoding pays for itself while
// metadata stays human-readable for debugging. Clients signal msgpack mode
// via the X-Body-Encoding: msgpack header.

// MsgPackNotesRequest is the task payload shape when notes are msgpack-encoded.
type MsgPackNotesRequest struct {
	Name         string  `json:"name"`
	NotesEncoded string  `json:"notes_encoded"` // Base64-encoded msgpack bytes
	Recurrence   *string `json:"recurrence,omitempty"`
	GroupID      *int64  `json:"group_id,omitempty"`
	Assignees    []int64 `json:"assignees,omitempty"`
}

// EncodeMsgPackNotes encodes a notes string to Base64-encoded msgpack bytes.
// Returns empty string for nil or empty input.
func EncodeMsgPackNotes(notes *string) (string, error) {
	if notes == nil || *notes == "" {
		return "", nil
	}

	msgpackBytes, err := msgpack.Marshal(*notes)
	if err != nil {
		return "", serr.Wrap(err, "failed to msgpack encode notes")
	}

	// Base64 for safe JSON transport
	return base64.StdEncoding.EncodeToString(msgpackBytes), nil
}

// DecodeMsgPackNotes decodes a Base64-encoded msgpack string to plain text.
// Returns nil for empty input.
func DecodeMsgPackNotes(encoded string) (*string, error) {
	if encoded == "" {
		return nil, nil
	}

	msgpackBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, serr.Wrap(err, "failed to decode base64 notes")
	}

	var notes string
	if err := msgpack.Unmarshal(msgpackBytes, &notes); err != nil {
		return nil, serr.Wrap(err, "failed to unmarshal msgpack notes")
	}

	return &notes, nil
}
