package api

import (
	"net/http"

	"github.com/example/ec-checkout/internal/api/middleware"
	"github.com/example/ec-checkout/internal/auth"
	"github.com/example/ec-checkout/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(handlers *Handlers, jwtService *auth.JWTService, logger *zap.Logger, m *metrics.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Observe(logger, m))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(jwtService, logger))

		r.Post("/checkouts", handlers.StartCheckout)
		r.Get("/checkouts/{id}", handlers.GetCheckout)
		r.Post("/checkouts/{id}/advance", handlers.AdvanceCheckout)
		r.Post("/checkouts/{id}/cancel", handlers.CancelCheckout)

		r.With(middleware.RequireRole("admin", "ops")).Post("/admin/sweep", handlers.Sweep)
	})

	return r
}
