package web

import (
	"net/http"

	"taskhub/web/api"
	"taskhub/web/pages"

	"github.com/rohanthewiz/rweb"
)

// setupRoutes configures all application routes
func setupRoutes(s *rweb.Server) {
	// Page routes - HTML responses
	s.Get("/", func(ctx rweb.Context) error {
		ctx.Response().SetHeader("Content-Type", "text/html; charset=utf-8")
		return ctx.WriteHTML(pages.RenderHistoryPage())
	})
	s.Get("/history", func(ctx rweb.Context) error {
		ctx.Response().SetHeader("Content-Type", "text/html; charset=utf-8")
		return ctx.WriteHTML(pages.RenderHistoryPage())
	})

	// Health check endpoint
	s.Get("/api/v1/health", func(ctx rweb.Context) error {
		ctx.SetStatus(http.StatusOK)
		return ctx.WriteJSON(map[string]string{"status": "ok"})
	})

	// Auth endpoints
	s.Post("/api/v1/auth/register", api.Register)
	s.Post("/api/v1/auth/login", api.Login)
	s.Post("/api/v1/auth/refresh", api.RefreshToken)
	s.Get("/api/v1/auth/me", api.GetCurrentUser)

	// Task CRUD endpoints
	s.Post("/api/v1/tasks", api.CreateTask)
	s.Get("/api/v1/tasks", api.ListTasks)
	s.Get("/api/v1/tasks/:id", api.GetTask)
	s.Put("/api/v1/tasks/:id", api.UpdateTask)
	s.Delete("/api/v1/tasks/:id", api.DeleteTask)
	s.Post("/api/v1/tasks/:id/complete", api.CompleteTask)
	s.Post("/api/v1/tasks/:id/uncomplete", api.UncompleteTask)
	s.Post("/api/v1/tasks/:id/first-shown", api.MarkTaskFirstShown)
	s.Get("/api/v1/tasks/:id/history", api.GetTaskHistory)

	// User and group reads (writes flow through sync events)
	s.Get("/api/v1/users", api.ListUsers)
	s.Get("/api/v1/groups", api.ListGroups)

	// History / audit
	s.Get("/api/v1/history", api.GetRecentHistory)
	s.Get("/api/v1/conflicts", api.GetRecentConflicts)

	// Sync protocol endpoints
	s.Post("/api/v1/sync/events", api.PushSyncEvents) // single-event alias of push
	s.Post("/api/v1/sync/push", api.PushSyncEvents)
	s.Post("/api/v1/sync/verify", api.VerifySync)
	s.Post("/api/v1/sync/resolve", api.ResolveSync)
	s.Post("/api/v1/sync/apply-resolved", api.ApplyResolvedSync)
	s.Get("/api/v1/sync/changes", api.GetSyncChanges)
	s.Get("/api/v1/sync/status", api.GetSyncStatus)

	// Sync client controls
	s.Get("/api/v1/sync/control/status", api.SyncControlStatus)
	s.Post("/api/v1/sync/control/toggle", api.SyncControlToggle)
	s.Post("/api/v1/sync/control/sync-now", api.SyncControlNow)
}
