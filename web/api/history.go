package api

import (
	"net/http"
	"strconv"

	"taskhub/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// GetTaskHistory handles GET /api/v1/tasks/:id/history.
// Returns the full audit trail for one task, oldest first. Tombstoned tasks
// keep their history, so this works after deletion too.
func GetTaskHistory(ctx rweb.Context) error {
	id, err := parseIDParam(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid task id")
	}

	task, err := models.GetTaskByID(id)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get task"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if task == nil {
		return writeError(ctx, http.StatusNotFound, "task not found")
	}

	entries, err := models.GetTaskHistory(id)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get task history"), "task_id", id)
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	outputs := make([]models.TaskHistoryOutput, 0, len(entries))
	for i := range entries {
		outputs = append(outputs, entries[i].ToOutput())
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"task_id": id,
		"history": outputs,
		"count":   len(outputs),
	})
}

// GetRecentHistory handles GET /api/v1/history.
// Returns the latest history entries across all tasks, newest first.
func GetRecentHistory(ctx rweb.Context) error {
	limit := 100
	if limitStr := ctx.Request().QueryParam("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return writeError(ctx, http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	entries, err := models.GetRecentHistory(limit)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get recent history"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	outputs := make([]models.TaskHistoryOutput, 0, len(entries))
	for i := range entries {
		outputs = append(outputs, entries[i].ToOutput())
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"history": outputs,
		"count":   len(outputs),
	})
}

// GetRecentConflicts handles GET /api/v1/conflicts.
// Returns the latest conflict resolution decisions, newest first.
func GetRecentConflicts(ctx rweb.Context) error {
	if !IsAuthenticated(ctx) {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	limit := 100
	if limitStr := ctx.Request().QueryParam("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return writeError(ctx, http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	entries, err := models.GetRecentConflicts(limit)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get conflict log"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"conflicts": entries,
		"count":     len(entries),
	})
}
