package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"taskhub/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Sync Protocol API Handlers
//
// The five phases a client walks through in a session:
//
//   POST /api/v1/sync/push           — submit queued events
//   POST /api/v1/sync/verify        — claim local state, get the partition
//   POST /api/v1/sync/resolve       — submit conflicted snapshots for LWW
//   POST /api/v1/sync/apply-resolved — write back client-win snapshots
//   GET  /api/v1/sync/changes       — pull entities changed since a watermark
//
// All require authentication. Per-item failures travel inside the response
// body; HTTP errors are reserved for malformed requests.
// ============================================================================

// PushSyncEvents handles POST /api/v1/sync/push (and /api/v1/sync/events).
// Request body: { "events": [SyncEvent, ...] }
// Response data: { "responses": [SyncEventResponse, ...] } in request order.
func PushSyncEvents(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var req struct {
		Events []models.SyncEvent `json:"events"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Events) == 0 {
		return writeError(ctx, http.StatusBadRequest, "no events provided")
	}

	responses := models.ApplySyncEvents(req.Events)

	confirmed, conflicts, errored := 0, 0, 0
	for _, r := range responses {
		switch r.Status {
		case models.StatusConfirmed:
			confirmed++
		case models.StatusConflict:
			conflicts++
		default:
			errored++
		}
	}
	logger.Info("Sync push processed",
		"events", len(req.Events), "confirmed", confirmed,
		"conflicts", conflicts, "errors", errored)

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"responses": responses,
	})
}

// VerifySync handles POST /api/v1/sync/verify.
// Request body: { "requests": [VerifyRequest, ...] }
// Response data: { "results": [VerifyResult, ...] }
func VerifySync(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var req struct {
		Requests []models.VerifyRequest `json:"requests"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	results, err := models.VerifyAll(req.Requests)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "verification failed"), "sync verify")
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

// ResolveSync handles POST /api/v1/sync/resolve.
// Request body: { "snapshots": [ClientSnapshot, ...] }
// Response data: { "resolutions": [ConflictResolution, ...] }
func ResolveSync(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var req struct {
		Snapshots []models.ClientSnapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Snapshots) == 0 {
		return writeError(ctx, http.StatusBadRequest, "no snapshots provided")
	}

	resolutions, failed := models.ResolveConflicts(req.Snapshots)

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"resolutions": resolutions,
		"failed":      failed,
	})
}

// ApplyResolvedSync handles POST /api/v1/sync/apply-resolved.
// Request body: { "items": [ResolvedItem, ...] }
// Response data: { "results": [ApplyResolvedResult, ...] }
func ApplyResolvedSync(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var req struct {
		Items []models.ResolvedItem `json:"items"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		return writeError(ctx, http.StatusBadRequest, "no items provided")
	}

	results := models.ApplyResolvedData(req.Items)

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

// GetSyncChanges handles GET /api/v1/sync/changes.
// Query params: entity_type (task|user|group), since (canonical timestamp,
// optional), limit (optional). Returns entities with updated_at strictly
// after since, oldest first, plus the latest watermark for the next page.
func GetSyncChanges(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	entityType := ctx.Request().QueryParam("entity_type")

	var since time.Time
	if sinceStr := ctx.Request().QueryParam("since"); sinceStr != "" {
		parsed, err := time.Parse("2006-01-02T15:04:05.000Z", sinceStr)
		if err != nil {
			return writeError(ctx, http.StatusBadRequest, "invalid since timestamp, expected 2006-01-02T15:04:05.000Z")
		}
		since = parsed
	}

	limit := 100
	if limitStr := ctx.Request().QueryParam("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return writeError(ctx, http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	// Fetch one extra row to learn whether another page exists.
	entities := []interface{}{}
	var latest time.Time

	switch entityType {
	case models.EntityTask:
		tasks, err := models.GetTasksChangedSince(since, limit+1)
		if err != nil {
			return writeError(ctx, http.StatusInternalServerError, "database error")
		}
		for i, t := range tasks {
			if i == limit {
				break
			}
			entities = append(entities, t.ToOutput())
			latest = t.UpdatedAt
		}
		return writeChangesPage(ctx, entities, len(tasks) > limit, latest)
	case models.EntityUser:
		users, err := models.GetUsersChangedSince(since, limit+1)
		if err != nil {
			return writeError(ctx, http.StatusInternalServerError, "database error")
		}
		for i, u := range users {
			if i == limit {
				break
			}
			entities = append(entities, u.ToOutput())
			latest = u.UpdatedAt
		}
		return writeChangesPage(ctx, entities, len(users) > limit, latest)
	case models.EntityGroup:
		groups, err := models.GetGroupsChangedSince(since, limit+1)
		if err != nil {
			return writeError(ctx, http.StatusInternalServerError, "database error")
		}
		for i, g := range groups {
			if i == limit {
				break
			}
			entities = append(entities, g.ToOutput())
			latest = g.UpdatedAt
		}
		return writeChangesPage(ctx, entities, len(groups) > limit, latest)
	}
	return writeError(ctx, http.StatusBadRequest, "entity_type must be task, user, or group")
}

func writeChangesPage(ctx rweb.Context, entities []interface{}, hasMore bool, latest time.Time) error {
	page := map[string]interface{}{
		"entities": entities,
		"has_more": hasMore,
	}
	if !latest.IsZero() {
		page["latest"] = latest
	}
	return writeSuccess(ctx, http.StatusOK, page)
}

// GetSyncStatus handles GET /api/v1/sync/status.
// Returns the whole-dataset checksum, live entity counts, and per-entity
// high-water marks so a client can cheaply decide whether a full session is
// worth starting.
func GetSyncStatus(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	checksum, err := models.DatasetChecksum()
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to compute dataset checksum"), "sync status")
		return writeError(ctx, http.StatusInternalServerError, "failed to compute checksum")
	}

	counts, err := models.EntityCounts()
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	marks, err := models.GetAllMetadata()
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"checksum":         checksum,
		"counts":           counts,
		"high_water_marks": marks,
	})
}
