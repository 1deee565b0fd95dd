package api

import (
	"encoding/json"
	"net/http"

	"taskhub/models"

	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Sync Control API Handlers
//
// These endpoints power operational controls for the sync client: a status
// indicator, an enable/disable toggle, and an immediate-session trigger.
// All require authentication to prevent unauthorized state changes.
// ============================================================================

// SyncControlStatus handles GET /api/v1/sync/control/status
// If sync is not configured (no sync client), returns a disabled state
// rather than an error so callers can render gracefully.
func SyncControlStatus(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	client := models.GetSyncClient()
	if client == nil {
		return writeSuccess(ctx, http.StatusOK, models.SyncClientStatus{
			Enabled:   false,
			Connected: false,
			State:     models.SessionIdle,
		})
	}

	return writeSuccess(ctx, http.StatusOK, client.GetStatus())
}

// SyncControlToggle handles POST /api/v1/sync/control/toggle
// Request body: {"enabled": true} or {"enabled": false}
func SyncControlToggle(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	client := models.GetSyncClient()
	if client == nil {
		return writeError(ctx, http.StatusServiceUnavailable, "sync is not configured")
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	client.SetEnabled(req.Enabled)

	return writeSuccess(ctx, http.StatusOK, client.GetStatus())
}

// SyncControlNow handles POST /api/v1/sync/control/sync-now
// Triggers an immediate session. Returns 409 Conflict if a session is
// already in progress to avoid queueing multiple sessions.
func SyncControlNow(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	client := models.GetSyncClient()
	if client == nil {
		return writeError(ctx, http.StatusServiceUnavailable, "sync is not configured")
	}

	if err := client.SyncNow(); err != nil {
		if err.Error() == "sync already in progress" || err.Error() == "sync is disabled" {
			return writeError(ctx, http.StatusConflict, err.Error())
		}
		return writeError(ctx, http.StatusInternalServerError, serr.Wrap(err, "sync failed").Error())
	}

	return writeSuccess(ctx, http.StatusOK, client.GetStatus())
}
