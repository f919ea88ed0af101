package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voxqueue/voxqueue/internal/auth"
)

func NewRouter(h *Handler, authSvc *auth.Service) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", h.HealthCheck)

	r.Route("/tasks", func(r chi.Router) {
		submit := requireAuth(authSvc, auth.PermTranscribe)
		admin := requireAuth(authSvc, auth.PermAdmin)

		r.With(submit).Post("/", h.CreateTask)
		r.With(admin).Get("/", h.ListTasks)
		r.With(admin).Get("/stats", h.GetStats)
		r.With(submit).Get("/{id}", h.GetTask)
		r.With(submit).Get("/{id}/status", h.GetTaskStatus)
		r.With(admin).Post("/{id}/priority", h.UpdatePriority)
	})

	return r
}
