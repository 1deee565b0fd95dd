package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"taskhub/models"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// APIResponse provides a consistent JSON response structure for all API endpoints.
// Success responses include data, error responses include an error message.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// writeSuccess sends a successful JSON response with data.
// Uses rweb's built-in WriteJSON which sets content-type automatically.
func writeSuccess(ctx rweb.Context, status int, data interface{}) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: true, Data: data})
}

// writeError sends an error JSON response.
func writeError(ctx rweb.Context, status int, message string) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: false, Error: message})
}

// parseIDParam reads the :id route parameter as int64.
func parseIDParam(ctx rweb.Context) (int64, error) {
	return strconv.ParseInt(ctx.Request().Param("id"), 10, 64)
}

// applyLocalEvent funnels a direct API mutation through the same applier the
// sync protocol uses, so history entries, hash updates, and high-water marks
// stay consistent no matter which door a change came through. The server
// generates the event GUID since there is no client-side queue involved.
func applyLocalEvent(eventType, entityType string, entityID int64, changes interface{}) (models.SyncEventResponse, error) {
	var raw json.RawMessage
	if changes != nil {
		data, err := json.Marshal(changes)
		if err != nil {
			return models.SyncEventResponse{}, serr.Wrap(err, "failed to marshal changes")
		}
		raw = data
	}

	resp := models.ApplySyncEvent(models.SyncEvent{
		GUID:       uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Timestamp:  time.Now(),
		Changes:    raw,
	})
	return resp, nil
}

// decodeTaskChanges reads the request body as TaskChanges, transparently
// handling msgpack-encoded notes when X-Body-Encoding: msgpack is set.
func decodeTaskChanges(ctx rweb.Context) (*models.TaskChanges, error) {
	body := ctx.Request().Body()

	if ctx.Request().Header("X-Body-Encoding") == "msgpack" {
		var req models.MsgPackNotesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, serr.Wrap(err, "invalid msgpack request body")
		}
		notes, err := models.DecodeMsgPackNotes(req.NotesEncoded)
		if err != nil {
			return nil, err
		}
		changes := &models.TaskChanges{
			Recurrence: req.Recurrence,
			GroupID:    req.GroupID,
			Notes:      notes,
		}
		if req.Name != "" {
			changes.Name = &req.Name
		}
		if req.Assignees != nil {
			changes.Assignees = &req.Assignees
		}
		return changes, nil
	}

	var changes models.TaskChanges
	if err := json.Unmarshal(body, &changes); err != nil {
		return nil, serr.Wrap(err, "invalid request body")
	}
	return &changes, nil
}

// CreateTask handles POST /api/v1/tasks
func CreateTask(ctx rweb.Context) error {
	changes, err := decodeTaskChanges(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}
	if changes.Name == nil || *changes.Name == "" {
		return writeError(ctx, http.StatusBadRequest, "name is required")
	}

	resp, err := applyLocalEvent(models.EventCreate, models.EntityTask, 0, changes)
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, err.Error())
	}
	if resp.Status != models.StatusConfirmed {
		return writeError(ctx, http.StatusBadRequest, resp.Message)
	}

	task, err := models.GetTaskByID(resp.EntityID)
	if err != nil || task == nil {
		return writeError(ctx, http.StatusInternalServerError, "failed to load created task")
	}

	logger.Info("Task created", "id", task.ID, "name", task.Name)
	return writeSuccess(ctx, http.StatusCreated, task.ToOutput())
}

// ListTasks handles GET /api/v1/tasks
// Tombstoned tasks are excluded unless include_deleted=true.
func ListTasks(ctx rweb.Context) error {
	tasks, err := models.GetAllTasks()
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to list tasks"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	includeDeleted := ctx.Request().QueryParam("include_deleted") == "true"
	outputs := []models.TaskOutput{}
	for _, t := range tasks {
		if t.Deleted() && !includeDeleted {
			continue
		}
		outputs = append(outputs, t.ToOutput())
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"tasks": outputs,
		"count": len(outputs),
	})
}

// GetTask handles GET /api/v1/tasks/:id
func GetTask(ctx rweb.Context) error {
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

	return writeSuccess(ctx, http.StatusOK, task.ToOutput())
}

// UpdateTask handles PUT /api/v1/tasks/:id
func UpdateTask(ctx rweb.Context) error {
	id, err := parseIDParam(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid task id")
	}

	changes, err := decodeTaskChanges(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	resp, err := applyLocalEvent(models.EventUpdate, models.EntityTask, id, changes)
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, err.Error())
	}
	switch resp.Status {
	case models.StatusConfirmed:
	case models.StatusConflict:
		return writeError(ctx, http.StatusConflict, resp.Message)
	default:
		if resp.Message == "task not found" {
			return writeError(ctx, http.StatusNotFound, resp.Message)
		}
		return writeError(ctx, http.StatusBadRequest, resp.Message)
	}

	task, err := models.GetTaskByID(id)
	if err != nil || task == nil {
		return writeError(ctx, http.StatusInternalServerError, "failed to load updated task")
	}

	return writeSuccess(ctx, http.StatusOK, task.ToOutput())
}

// DeleteTask handles DELETE /api/v1/tasks/:id
// Soft delete — the row becomes a tombstone that still syncs.
func DeleteTask(ctx rweb.Context) error {
	id, err := parseIDParam(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid task id")
	}

	resp, err := applyLocalEvent(models.EventDelete, models.EntityTask, id, nil)
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, err.Error())
	}
	if resp.Status != models.StatusConfirmed {
		if resp.Message == "task not found" {
			return writeError(ctx, http.StatusNotFound, resp.Message)
		}
		return writeError(ctx, http.StatusBadRequest, resp.Message)
	}

	logger.Info("Task deleted", "id", id)
	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"id":          id,
		"server_hash": resp.ServerHash,
	})
}

// CompleteTask handles POST /api/v1/tasks/:id/complete
func CompleteTask(ctx rweb.Context) error {
	return setTaskCompletion(ctx, models.EventComplete)
}

// UncompleteTask handles POST /api/v1/tasks/:id/uncomplete
func UncompleteTask(ctx rweb.Context) error {
	return setTaskCompletion(ctx, models.EventUncomplete)
}

func setTaskCompletion(ctx rweb.Context, eventType string) error {
	id, err := parseIDParam(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid task id")
	}

	resp, err := applyLocalEvent(eventType, models.EntityTask, id, nil)
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, err.Error())
	}
	if resp.Status != models.StatusConfirmed {
		if resp.Message == "task not found" {
			return writeError(ctx, http.StatusNotFound, resp.Message)
		}
		return writeError(ctx, http.StatusBadRequest, resp.Message)
	}

	task, err := models.GetTaskByID(id)
	if err != nil || task == nil {
		return writeError(ctx, http.StatusInternalServerError, "failed to load task")
	}

	return writeSuccess(ctx, http.StatusOK, task.ToOutput())
}

// MarkTaskFirstShown handles POST /api/v1/tasks/:id/first-shown
// Records the moment a task first appeared on a client's screen. This is an
// audit-only action: it appends a history entry without touching task state.
func MarkTaskFirstShown(ctx rweb.Context) error {
	id, err := parseIDParam(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid task id")
	}

	task, err := models.GetTaskByID(id)
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if task == nil || task.Deleted() {
		return writeError(ctx, http.StatusNotFound, "task not found")
	}

	var input struct {
		Timestamp time.Time `json:"timestamp"`
	}
	// Body is optional; a missing timestamp means "now"
	if body := ctx.Request().Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			return writeError(ctx, http.StatusBadRequest, "invalid request body")
		}
	}
	ts := input.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if err := models.AppendTaskHistory(id, models.ActionFirstShown, ts, nil, ""); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to record first-shown"), "task_id", id)
		return writeError(ctx, http.StatusInternalServerError, "failed to record first-shown")
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{"id": id})
}

// ListUsers handles GET /api/v1/users
func ListUsers(ctx rweb.Context) error {
	users, err := models.GetAllUsers()
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	outputs := []models.UserOutput{}
	for _, u := range users {
		if u.Deleted() {
			continue
		}
		outputs = append(outputs, u.ToOutput())
	}
	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"users": outputs,
		"count": len(outputs),
	})
}

// ListGroups handles GET /api/v1/groups
func ListGroups(ctx rweb.Context) error {
	groups, err := models.GetAllGroups()
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	outputs := []models.GroupOutput{}
	for _, g := range groups {
		if g.Deleted() {
			continue
		}
		outputs = append(outputs, g.ToOutput())
	}
	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"groups": outputs,
		"count":  len(outputs),
	})
}
