package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// ============================================================================
// App Metadata — high-water marks for incremental pull
//
// A small key -> timestamp map. Clients ask "everything changed since
// metadata[key]" instead of running a full hash sweep every session.
// Values only ever advance forward in time, and advancing happens in the
// same transaction as the entity write it summarizes — a client must never
// observe a checkpoint ahead of the changes it covers.
// ============================================================================

// Well-known metadata keys.
const (
	MetaLastTaskUpdate  = "last_task_update"
	MetaLastUserUpdate  = "last_user_update"
	MetaLastGroupUpdate = "last_group_update"
)

// metaKeyForEntity maps an entity type to its high-water-mark key.
func metaKeyForEntity(entityType string) string {
	switch entityType {
	case EntityTask:
		return MetaLastTaskUpdate
	case EntityUser:
		return MetaLastUserUpdate
	case EntityGroup:
		return MetaLastGroupUpdate
	}
	return ""
}

// GetMetadata returns the timestamp for a key.
// The second return is false if the key has never been set.
func GetMetadata(key string) (time.Time, bool, error) {
	var value time.Time
	err := db.QueryRow(`SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, serr.Wrap(err, "failed to read app metadata", "key", key)
	}
	return value, true, nil
}

// advanceMetadataTx moves a high-water mark forward inside a transaction.
// A value older than the stored one is a no-op — checkpoints never regress.
func advanceMetadataTx(tx *sql.Tx, key string, value time.Time) error {
	if key == "" {
		return nil
	}
	value = normalizeTimestamp(value)

	var current time.Time
	err := tx.QueryRow(`SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO app_metadata (key, value) VALUES (?, ?)`, key, value); err != nil {
			return serr.Wrap(err, "failed to insert app metadata", "key", key)
		}
		return nil
	case err != nil:
		return serr.Wrap(err, "failed to read app metadata for advance", "key", key)
	}

	if !value.After(current) {
		return nil
	}
	if _, err := tx.Exec(`UPDATE app_metadata SET value = ? WHERE key = ?`, value, key); err != nil {
		return serr.Wrap(err, "failed to advance app metadata", "key", key)
	}
	return nil
}

// AdvanceMetadata moves a high-water mark forward in its own transaction.
// Used by writers that aren't already inside one.
func AdvanceMetadata(key string, value time.Time) error {
	return withTx(func(tx *sql.Tx) error {
		return advanceMetadataTx(tx, key, value)
	})
}

// GetAllMetadata returns the full key -> timestamp map for the status call.
func GetAllMetadata() (map[string]time.Time, error) {
	rows, err := db.Query(`SELECT key, value FROM app_metadata ORDER BY key`)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query app metadata")
	}
	defer rows.Close()

	meta := map[string]time.Time{}
	for rows.Next() {
		var key string
		var value time.Time
		if err := rows.Scan(&key, &value); err != nil {
			return nil, serr.Wrap(err, "failed to scan app metadata row")
		}
		meta[key] = value
	}
	return meta, rows.Err()
}
