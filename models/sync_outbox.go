package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Sync outbox
//
// When this instance acts as a sync client, local mutations are queued here
// as events and drained by the push phase of the next session. The GUID is
// assigned at queue time, so however many times a push is retried the remote
// applies the event exactly once.
// ============================================================================

// QueueSyncEvent records a local mutation for the next push phase.
// A fresh GUID is assigned if the event does not carry one.
func QueueSyncEvent(ev SyncEvent) (string, error) {
	if ev.GUID == "" {
		ev.GUID = uuid.NewString()
	}
	changes := ""
	if len(ev.Changes) > 0 {
		changes = string(ev.Changes)
	}
	_, err := db.Exec(
		`INSERT INTO sync_outbox (guid, entity_type, entity_id, event_type, event_timestamp, client_hash, changes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.GUID, ev.EntityType, ev.EntityID, ev.EventType,
		clampEventTime(ev.Timestamp), ev.ClientHash, changes,
	)
	if err != nil {
		return "", serr.Wrap(err, "failed to queue sync event")
	}
	return ev.GUID, nil
}

// GetPendingEvents returns queued events oldest-first, up to limit.
func GetPendingEvents(limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = defaultSyncBatchSize
	}
	rows, err := db.Query(
		`SELECT guid, entity_type, entity_id, event_type, event_timestamp, client_hash, changes
		 FROM sync_outbox ORDER BY queued_at ASC, guid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query sync outbox")
	}
	defer rows.Close()

	events := []SyncEvent{}
	for rows.Next() {
		var ev SyncEvent
		var entityID *int64
		var clientHash, changes *string
		var ts time.Time
		if err := rows.Scan(&ev.GUID, &ev.EntityType, &entityID, &ev.EventType, &ts, &clientHash, &changes); err != nil {
			return nil, serr.Wrap(err, "failed to scan outbox row")
		}
		if entityID != nil {
			ev.EntityID = *entityID
		}
		if clientHash != nil {
			ev.ClientHash = *clientHash
		}
		if changes != nil && *changes != "" {
			ev.Changes = json.RawMessage(*changes)
		}
		ev.Timestamp = normalizeTimestamp(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// HasPendingCreate reports whether a create for the given entity is already
// queued, so verification does not queue the same local-only entity twice.
func HasPendingCreate(entityType string, entityID int64) (bool, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sync_outbox WHERE entity_type = ? AND entity_id = ? AND event_type = ?`,
		entityType, entityID, EventCreate).Scan(&count)
	if err != nil {
		return false, serr.Wrap(err, "failed to check outbox for a pending create")
	}
	return count > 0, nil
}

// DequeueSyncEvent removes an event after the remote confirmed it.
func DequeueSyncEvent(guid string) error {
	_, err := db.Exec(`DELETE FROM sync_outbox WHERE guid = ?`, guid)
	if err != nil {
		return serr.Wrap(err, "failed to dequeue sync event", "guid", guid)
	}
	return nil
}

// BumpEventAttempts counts a failed delivery attempt; events are kept for
// retry on the next session.
func BumpEventAttempts(guid string) error {
	_, err := db.Exec(`UPDATE sync_outbox SET attempts = attempts + 1 WHERE guid = ?`, guid)
	if err != nil {
		return serr.Wrap(err, "failed to bump event attempts", "guid", guid)
	}
	return nil
}

// PendingEventCount reports the outbox depth for status displays.
func PendingEventCount() (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_outbox`).Scan(&count); err != nil {
		return 0, serr.Wrap(err, "failed to count pending events")
	}
	return count, nil
}
