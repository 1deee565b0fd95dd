package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Conflict resolution — last writer wins
//
// Resolution is a pure decision over two snapshots: whichever side carries
// the later updated_at wins the whole entity. On an exact timestamp tie the
// server wins, so every replica that runs the same comparison lands on the
// same answer without coordination. Each decision is recorded in
// sync_conflicts for audit.
// ============================================================================

// Winner values recorded for a resolution.
const (
	WinnerServer = "server"
	WinnerClient = "client"
)

// Resolution rules recorded for audit.
const (
	RuleLaterTimestamp = "later_timestamp"
	RuleServerTiebreak = "server_tiebreak"
	RuleServerOnly     = "server_only" // client had no snapshot to offer
)

// ClientSnapshot is a client's full copy of one conflicted entity.
type ClientSnapshot struct {
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	Hash       string          `json:"hash"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ConflictResolution is the verdict for one conflicted entity.
type ConflictResolution struct {
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	Winner     string          `json:"winner"`
	Rule       string          `json:"rule"`
	ServerHash string          `json:"server_hash"`
	WinnerData json.RawMessage `json:"winner_data,omitempty"`
}

// recordConflictTx writes an audit row for one resolution decision.
func recordConflictTx(tx *sql.Tx, res ConflictResolution, serverUpdated, clientUpdated time.Time, clientHash string) error {
	_, err := tx.Exec(
		`INSERT INTO sync_conflicts (id, entity_type, entity_id, winner, rule,
			server_hash, client_hash, server_updated_at, client_updated_at)
		 VALUES (nextval('sync_conflicts_id_seq'), ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.EntityType, res.EntityID, res.Winner, res.Rule,
		res.ServerHash, clientHash,
		normalizeTimestamp(serverUpdated), normalizeTimestamp(clientUpdated),
	)
	if err != nil {
		return serr.Wrap(err, "failed to record conflict resolution")
	}
	return nil
}

func recordConflict(res ConflictResolution, serverUpdated, clientUpdated time.Time, clientHash string) error {
	return withTx(func(tx *sql.Tx) error {
		return recordConflictTx(tx, res, serverUpdated, clientUpdated, clientHash)
	})
}

// decideWinner applies the precedence rule to two snapshots' timestamps.
func decideWinner(serverUpdated, clientUpdated time.Time) (winner, rule string) {
	serverUpdated = normalizeTimestamp(serverUpdated)
	clientUpdated = normalizeTimestamp(clientUpdated)
	switch {
	case clientUpdated.After(serverUpdated):
		return WinnerClient, RuleLaterTimestamp
	case serverUpdated.After(clientUpdated):
		return WinnerServer, RuleLaterTimestamp
	default:
		return WinnerServer, RuleServerTiebreak
	}
}

// serverSnapshotJSON renders the current server copy of an entity as the
// wire form clients store, or nil if the entity has never existed.
func serverSnapshotJSON(entityType string, id int64) (data []byte, hash string, updated time.Time, err error) {
	switch entityType {
	case EntityTask:
		t, terr := GetTaskByID(id)
		if terr != nil || t == nil {
			return nil, "", time.Time{}, terr
		}
		out := t.ToOutput()
		data, err = json.Marshal(out)
		return data, out.Hash, t.UpdatedAt, err
	case EntityUser:
		u, uerr := GetUserByID(id)
		if uerr != nil || u == nil {
			return nil, "", time.Time{}, uerr
		}
		out := u.ToOutput()
		data, err = json.Marshal(out)
		return data, out.Hash, u.UpdatedAt, err
	case EntityGroup:
		g, gerr := GetGroupByID(id)
		if gerr != nil || g == nil {
			return nil, "", time.Time{}, gerr
		}
		out := g.ToOutput()
		data, err = json.Marshal(out)
		return data, out.Hash, g.UpdatedAt, err
	}
	return nil, "", time.Time{}, serr.New("unknown entity type: " + entityType)
}

// ResolveOne decides a single conflict between the server's current state
// and a client snapshot, records the decision, and returns the verdict.
// Deciding never mutates entity state; a client win is acted on only when
// the client applies the resolved data back.
func ResolveOne(snap ClientSnapshot) (*ConflictResolution, error) {
	mu := lockEntity(snap.EntityType, snap.EntityID)
	defer mu.Unlock()

	serverData, serverHash, serverUpdated, err := serverSnapshotJSON(snap.EntityType, snap.EntityID)
	if err != nil {
		return nil, err
	}
	if serverData == nil {
		return nil, serr.New("cannot resolve: entity does not exist on server",
			"entity_type", snap.EntityType, "entity_id", canonicalInt(snap.EntityID))
	}

	// Hashes agreeing means the conflict evaporated (another client already
	// resolved it). Report a server win with no data to apply.
	if snap.Hash == serverHash {
		return &ConflictResolution{
			EntityType: snap.EntityType,
			EntityID:   snap.EntityID,
			Winner:     WinnerServer,
			Rule:       RuleServerOnly,
			ServerHash: serverHash,
		}, nil
	}

	winner, rule := decideWinner(serverUpdated, snap.UpdatedAt)

	res := ConflictResolution{
		EntityType: snap.EntityType,
		EntityID:   snap.EntityID,
		Winner:     winner,
		Rule:       rule,
		ServerHash: serverHash,
	}
	if winner == WinnerServer {
		res.WinnerData = serverData
	} else {
		res.WinnerData = snap.Data
	}

	if err := recordConflict(res, serverUpdated, snap.UpdatedAt, snap.Hash); err != nil {
		return nil, err
	}

	logger.Debug("Conflict resolved",
		"entity_type", snap.EntityType, "entity_id", canonicalInt(snap.EntityID),
		"winner", winner, "rule", rule)
	return &res, nil
}

// ResolutionFailure reports one snapshot the server could not decide.
type ResolutionFailure struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Error      string `json:"error"`
}

// ResolveConflicts decides a batch of conflicts. Individual failures do not
// abort the batch; each failed item is reported alongside the verdicts so
// the client knows which snapshots were never decided.
func ResolveConflicts(snaps []ClientSnapshot) ([]ConflictResolution, []ResolutionFailure) {
	resolutions := make([]ConflictResolution, 0, len(snaps))
	failures := []ResolutionFailure{}
	for _, snap := range snaps {
		res, err := ResolveOne(snap)
		if err != nil {
			logger.LogErr(err, "failed to resolve conflict",
				"entity_type", snap.EntityType, "entity_id", canonicalInt(snap.EntityID))
			failures = append(failures, ResolutionFailure{
				EntityType: snap.EntityType,
				EntityID:   snap.EntityID,
				Error:      err.Error(),
			})
			continue
		}
		resolutions = append(resolutions, *res)
	}
	return resolutions, failures
}

// ConflictLogEntry is one audit row from sync_conflicts.
type ConflictLogEntry struct {
	ID              int64     `json:"id"`
	EntityType      string    `json:"entity_type"`
	EntityID        int64     `json:"entity_id"`
	Winner          string    `json:"winner"`
	Rule            string    `json:"rule"`
	ServerHash      string    `json:"server_hash"`
	ClientHash      string    `json:"client_hash"`
	ServerUpdatedAt time.Time `json:"server_updated_at"`
	ClientUpdatedAt time.Time `json:"client_updated_at"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

// GetRecentConflicts returns the latest resolution decisions, newest first.
func GetRecentConflicts(limit int) ([]ConflictLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, entity_type, entity_id, winner, rule, server_hash, client_hash,
			server_updated_at, client_updated_at, resolved_at
		 FROM sync_conflicts ORDER BY resolved_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query conflict log")
	}
	defer rows.Close()

	entries := []ConflictLogEntry{}
	for rows.Next() {
		var e ConflictLogEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Winner, &e.Rule,
			&e.ServerHash, &e.ClientHash, &e.ServerUpdatedAt, &e.ClientUpdatedAt, &e.ResolvedAt); err != nil {
			return nil, serr.Wrap(err, "failed to scan conflict log row")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
