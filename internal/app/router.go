// Package app assembles the gateway process: router, readiness checks, and
// background maintenance loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Muxite/webrag/internal/adapter/httpserver"
	"github.com/Muxite/webrag/internal/config"
	"github.com/Muxite/webrag/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. An
// empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.GatewayRequestTimeout))
	r.Use(httpserver.TrustedHosts(cfg.TrustedHosts))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.Principal())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints require a caller identity, are rate limited, and
	// have their body size capped.
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.RequireAuth)
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(httpserver.MaxBodyBytes(cfg.MaxRequestSizeBytes))
		wr.Post("/tasks", srv.CreateTaskHandler())
	})

	// Read-only endpoints.
	r.Get("/tasks/{id}", srv.GetTaskHandler())
	r.With(httpserver.RequireAuth).Get("/tasks", srv.ListTasksHandler())
	r.Get("/agents/count", srv.AgentCountHandler())

	// Health and metrics.
	r.Get("/health", srv.HealthHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
