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
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opentrusty/accessgate/internal/audit"
	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/identity"
	"github.com/opentrusty/accessgate/internal/observability/logger"
	"github.com/opentrusty/accessgate/internal/permission"
	"github.com/opentrusty/accessgate/internal/routeguard"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_http_requests_total",
			Help: "HTTP requests served, by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accessgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// MetricsMiddleware records Prometheus request counters. Requests are
// labelled by chi route pattern so user IDs never become label values.
func MetricsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// AuthMiddleware verifies the bearer credential, if any, and adds the
// identity to context. A rejected credential is treated as no credential;
// the guards below decide what an anonymous caller gets.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := h.provider.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, identity.ErrAuthenticationMissing) {
				h.logger.WarnContext(r.Context(), "bearer credential rejected",
					logger.Path(r.URL.Path),
					logger.Error(err),
				)
				h.auditLogger.Log(r.Context(), audit.Event{
					Type:      audit.TypeAuthnRejected,
					Resource:  r.URL.Path,
					Reason:    "invalid_credential",
					IPAddress: getIPAddress(r),
					UserAgent: r.UserAgent(),
				})
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// RequireIdentity answers 401 when no verified caller is present.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r.Context()) == nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="accessgate"`)
			respondDenied(w, http.StatusUnauthorized, routeguard.ReasonAuthenticationMissing)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission answers 403 unless the caller holds the keys under mode.
func (h *Handler) RequirePermission(mode routeguard.Mode, keys ...permission.Key) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			if id == nil {
				respondDenied(w, http.StatusUnauthorized, routeguard.ReasonAuthenticationMissing)
				return
			}

			var d authz.Decision
			if mode == routeguard.ModeAll {
				d = h.authzService.ResolveAll(r.Context(), id.Subject(), keys)
			} else {
				d = h.authzService.ResolveAny(r.Context(), id.Subject(), keys)
			}
			if !d.Allowed {
				h.auditLogger.Log(r.Context(), audit.Event{
					Type:      audit.TypeAccessDenied,
					ActorID:   id.UserID,
					Resource:  r.URL.Path,
					Reason:    d.Reason,
					Metadata:  map[string]any{"required": keyStrings(keys), "mode": string(mode)},
					IPAddress: getIPAddress(r),
					UserAgent: r.UserAgent(),
				})
				respondDenied(w, http.StatusForbidden, d.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PageGuard applies the route registry to page requests. Denied callers are
// redirected: anonymous ones to the login path, the rest to the fallback
// path with a short-lived cookie naming the reason.
func (h *Handler) PageGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r.Context())
		out := h.guard.Check(r.Context(), id, r.URL.Path)
		if out.Allowed {
			next.ServeHTTP(w, r.WithContext(withOutcome(r.Context(), out)))
			return
		}

		if id == nil {
			http.Redirect(w, r, out.Redirect, http.StatusFound)
			return
		}

		h.logger.DebugContext(r.Context(), "page denied",
			logger.UserID(id.UserID),
			logger.Path(r.URL.Path),
			logger.Pattern(out.Pattern),
			logger.Reason(out.Reason),
		)
		h.auditLogger.Log(r.Context(), audit.Event{
			Type:      audit.TypeRouteDenied,
			ActorID:   id.UserID,
			Resource:  r.URL.Path,
			Reason:    out.Reason,
			Metadata:  map[string]any{"pattern": out.Pattern},
			IPAddress: getIPAddress(r),
			UserAgent: r.UserAgent(),
		})

		// The fallback page itself is denied: redirecting again would loop.
		if isFallback(r.URL.Path, h.guard.Registry().FallbackPath) {
			respondDenied(w, http.StatusForbidden, out.Reason)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     DenialCookieName,
			Value:    out.Reason,
			Path:     "/",
			MaxAge:   int(h.cfg.DenialDisplayPeriod / time.Second),
			HttpOnly: false,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, out.Redirect, http.StatusFound)
	})
}

func isFallback(requestPath, fallback string) bool {
	return strings.TrimSuffix(requestPath, "/") == strings.TrimSuffix(fallback, "/")
}

// bearerToken returns the credential from the Authorization header, falling
// back to the access token cookie for browser page loads.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if c, err := r.Cookie(AccessTokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

func keyStrings(keys []permission.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
