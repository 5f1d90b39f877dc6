package app

import (
	"database/sql"
	"net/http"
	"time"

	"assessportal/internal/app/observability"
	"assessportal/internal/attempt"
	"assessportal/internal/evaluation"
	"assessportal/internal/identity"
	"assessportal/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(cfg Config, db *sql.DB) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	collector := observability.NewCollector(db)
	r.Use(collector.Middleware)

	attemptHandler := attempt.NewHandler(attempt.NewService(db))
	evaluationHandler := evaluation.NewHandler(evaluation.NewService(db))
	reportHandler := report.NewHandler(report.NewService(db))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/metrics", collector.MetricsHandler)

	limiter := NewIPRateLimiter(cfg.RateLimitPerMin, time.Minute)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(RateLimitMiddleware(limiter))
		api.Use(identity.Middleware)

		api.Get("/tests/overview", attemptHandler.Overview)
		api.Post("/attempts/start", attemptHandler.Start)
		api.Get("/attempts/{id}", attemptHandler.GetAttempt)
		api.Put("/attempts/{id}/answers/{questionID}", attemptHandler.SaveAnswer)
		api.Post("/attempts/{id}/submit", attemptHandler.Submit)

		api.Group(func(evaluator chi.Router) {
			evaluator.Use(identity.RequireRoles(identity.RoleEvaluator, identity.RoleManager, identity.RoleAdmin))
			evaluator.Get("/attempts/{id}/evaluation", evaluationHandler.Open)
			evaluator.Post("/attempts/{id}/evaluation", evaluationHandler.Save)
			evaluator.Get("/attempts/{id}/evaluations", evaluationHandler.History)
			evaluator.Get("/reports/tests/{id}/summary", reportHandler.Summary)

			evaluator.Group(func(manager chi.Router) {
				manager.Use(identity.RequireRoles(identity.RoleManager, identity.RoleAdmin))
				manager.Post("/attempts/{id}/re-evaluation", evaluationHandler.Reevaluate)
			})
		})
	})

	return r
}
