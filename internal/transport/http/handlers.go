// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// @title AccessGate API
// @version 1.0.0
// @description Permission resolution and route authorization

// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package http

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/accessgate/internal/audit"
	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/identity"
	"github.com/opentrusty/accessgate/internal/observability/logger"
	"github.com/opentrusty/accessgate/internal/permission"
	"github.com/opentrusty/accessgate/internal/routeguard"
)

// Permissions guarding the admin API.
var (
	metricsPermissions = []permission.Key{
		permission.Universal,
		permission.MustParse("analytics:platform_analytics:read"),
	}
	grantsReadPermission  = permission.MustParse("users_access:permissions_roles:read")
	grantsWritePermission = permission.MustParse("users_access:permissions_roles:write")
)

// DenialCookieName carries the last page denial reason to the fallback page.
const DenialCookieName = "accessgate_denial"

// AccessTokenCookieName is read when a page request has no Authorization header.
const AccessTokenCookieName = "access_token"

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds transport settings
type Config struct {
	// DenialDisplayPeriod is the lifetime of the denial cookie.
	DenialDisplayPeriod time.Duration
	// StaticFS serves allowed page requests. Nil answers with the guard outcome.
	StaticFS fs.FS
	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	authzService *authz.Service
	guard        *routeguard.Guard
	provider     identity.Provider
	auditLogger  audit.Logger
	ready        Pinger
	cfg          Config
	logger       *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	authzService *authz.Service,
	guard *routeguard.Guard,
	provider identity.Provider,
	auditLogger audit.Logger,
	ready Pinger,
	cfg Config,
) *Handler {
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	if cfg.DenialDisplayPeriod <= 0 {
		cfg.DenialDisplayPeriod = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Handler{
		authzService: authzService,
		guard:        guard,
		provider:     provider,
		auditLogger:  auditLogger,
		ready:        ready,
		cfg:          cfg,
		logger:       slog.Default().With(logger.Component("http")),
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.cfg.RequestTimeout))

	// Probes and exposition are not rate limited.
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadinessCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(RateLimitMiddleware(rateLimiter))

		// Page gate
		r.Group(func(r chi.Router) {
			r.Use(h.PageGuard)
			r.Handle("/app", h.pageHandler())
			r.Handle("/app/*", h.pageHandler())
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(RequireIdentity)

			r.Get("/permissions/check", h.CheckPermissions)
			r.Get("/navigation", h.Navigation)
			r.Get("/routes/access", h.RouteAccess)

			r.Route("/admin", func(r chi.Router) {
				r.With(h.RequirePermission(routeguard.ModeAny, metricsPermissions...)).
					Get("/permission-metrics", h.PermissionMetrics)
				r.With(h.RequirePermission(routeguard.ModeAll, permission.Universal)).
					Post("/cache/purge", h.PurgeCache)

				r.Route("/users/{userID}/grants", func(r chi.Router) {
					r.With(h.RequirePermission(routeguard.ModeAll, grantsReadPermission)).Get("/", h.ListGrants)
					r.Group(func(r chi.Router) {
						r.Use(h.RequirePermission(routeguard.ModeAll, grantsWritePermission))
						r.Put("/", h.UpsertGrant)
						r.Post("/reset", h.ResetGrants)
						r.Delete("/{permission}", h.RevokeGrant)
					})
				})
			})
		})
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Checks if the service is up and running
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "accessgate",
	})
}

// ReadinessCheck reports whether the grant store is reachable.
// @Summary Readiness Check
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /ready [get]
func (h *Handler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready.Ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "readiness check failed", logger.Error(err))
			respondError(w, http.StatusServiceUnavailable, "grant store unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondDenied writes the access-denied body with a machine reason.
func respondDenied(w http.ResponseWriter, status int, reason string) {
	respondJSON(w, status, map[string]string{
		"error":  "access denied",
		"reason": reason,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
