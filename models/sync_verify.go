package models

import (
	"sort"

	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Batch hash verification
//
// The client sends everything it knows as (id, hash) pairs per entity type;
// the server partitions the dataset into the disjoint outcome sets the
// client needs to finish a sync round. "Missing on server" means the id has
// never existed here — a tombstoned entity is NOT missing, it participates
// in hash comparison like any live row so deletions propagate to clients
// that still hold the live version.
// ============================================================================

// EntityRef identifies one entity a client claims to hold.
type EntityRef struct {
	ID   int64  `json:"id"`
	Hash string `json:"hash"`
}

// VerifyRequest is a client's full claim of local state for one entity type.
type VerifyRequest struct {
	EntityType string      `json:"entity_type"`
	Entities   []EntityRef `json:"entities"`
}

// VerifyResult partitions the dataset after a verification pass.
type VerifyResult struct {
	EntityType      string  `json:"entity_type"`
	Matched         []int64 `json:"matched"`
	Conflicts       []int64 `json:"conflicts"`
	MissingOnClient []int64 `json:"missing_on_client"`
	MissingOnServer []int64 `json:"missing_on_server"`
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// serverEntityHashes returns id -> current hash for every entity of the
// given type, tombstones included.
func serverEntityHashes(entityType string) (map[int64]string, error) {
	hashes := map[int64]string{}

	switch entityType {
	case EntityTask:
		tasks, err := GetAllTasks()
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			hashes[t.ID] = t.Hash()
		}
	case EntityUser:
		users, err := GetAllUsers()
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			hashes[u.ID] = u.Hash()
		}
	case EntityGroup:
		groups, err := GetAllGroups()
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			hashes[g.ID] = g.Hash()
		}
	default:
		return nil, serr.New("unknown entity type: " + entityType)
	}
	return hashes, nil
}

// VerifyEntities compares a client's claimed (id, hash) pairs against the
// server's current state for one entity type. Every id involved lands in
// exactly one of the four result sets.
func VerifyEntities(req VerifyRequest) (*VerifyResult, error) {
	serverHashes, err := serverEntityHashes(req.EntityType)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		EntityType:      req.EntityType,
		Matched:         []int64{},
		Conflicts:       []int64{},
		MissingOnClient: []int64{},
		MissingOnServer: []int64{},
	}

	claimed := make(map[int64]bool, len(req.Entities))
	for _, ref := range req.Entities {
		claimed[ref.ID] = true
		serverHash, exists := serverHashes[ref.ID]
		switch {
		case !exists:
			result.MissingOnServer = append(result.MissingOnServer, ref.ID)
		case serverHash == ref.Hash:
			result.Matched = append(result.Matched, ref.ID)
		default:
			result.Conflicts = append(result.Conflicts, ref.ID)
		}
	}

	for id := range serverHashes {
		if !claimed[id] {
			result.MissingOnClient = append(result.MissingOnClient, id)
		}
	}

	sortIDs(result.Matched)
	sortIDs(result.Conflicts)
	sortIDs(result.MissingOnClient)
	sortIDs(result.MissingOnServer)
	return result, nil
}

// VerifyAll runs verification for a batch of entity types in one call.
func VerifyAll(reqs []VerifyRequest) ([]*VerifyResult, error) {
	results := make([]*VerifyResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := VerifyEntities(req)
		if err != nil {
			return nil, serr.Wrap(err, "verification failed", "entity_type", req.EntityType)
		}
		results = append(results, res)
	}
	return results, nil
}

// EntityCounts returns the number of live (non-tombstone) rows per entity
// type, for the sync status endpoint.
func EntityCounts() (map[string]int, error) {
	counts := map[string]int{}
	for entityType, table := range map[string]string{
		EntityTask: "tasks", EntityUser: "users", EntityGroup: "groups",
	} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM ` + table + ` WHERE deleted_at IS NULL`).Scan(&n)
		if err != nil {
			return nil, serr.Wrap(err, "failed to count entities", "entity_type", entityType)
		}
		counts[entityType] = n
	}
	return counts, nil
}

// DatasetChecksum is a whole-dataset fingerprint: one hash over the sorted
// per-entity hashes of every live and tombstoned row. Two replicas with
// equal checksums need no further comparison.
func DatasetChecksum() (string, error) {
	fields := map[string]string{}
	for _, entityType := range []string{EntityTask, EntityUser, EntityGroup} {
		hashes, err := serverEntityHashes(entityType)
		if err != nil {
			return "", err
		}
		for id, h := range hashes {
			fields[entityType+":"+canonicalInt(id)] = h
		}
	}
	return HashFields(fields), nil
}
