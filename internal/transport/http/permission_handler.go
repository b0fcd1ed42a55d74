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
	"net/http"
	"strings"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/permission"
	"github.com/opentrusty/accessgate/internal/routeguard"
)

// CheckResponse is the result of a permission check for the caller
type CheckResponse struct {
	UserID      string           `json:"user_id"`
	Role        authz.Role       `json:"role"`
	Mode        routeguard.Mode  `json:"mode"`
	Permissions []permission.Key `json:"permissions"`
	Allowed     bool             `json:"allowed"`
	Decision    authz.Decision   `json:"decision"`
}

// CheckPermissions resolves one or more keys for the caller
// @Summary Check Permissions
// @Description Resolve permission keys for the authenticated caller
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param permission query []string true "Permission keys (repeatable or comma separated)"
// @Param mode query string false "any or all" default(any)
// @Success 200 {object} CheckResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /permissions/check [get]
func (h *Handler) CheckPermissions(w http.ResponseWriter, r *http.Request) {
	id := GetIdentity(r.Context())

	var raw []string
	for _, v := range r.URL.Query()["permission"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				raw = append(raw, p)
			}
		}
	}
	if len(raw) == 0 {
		respondError(w, http.StatusBadRequest, "permission is required")
		return
	}
	keys, err := permission.ParseAll(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid permission key")
		return
	}

	mode := routeguard.ModeAny
	switch m := r.URL.Query().Get("mode"); m {
	case "", string(routeguard.ModeAny):
	case string(routeguard.ModeAll):
		mode = routeguard.ModeAll
	default:
		respondError(w, http.StatusBadRequest, "mode must be any or all")
		return
	}

	var d authz.Decision
	if mode == routeguard.ModeAll {
		d = h.authzService.ResolveAll(r.Context(), id.Subject(), keys)
	} else {
		d = h.authzService.ResolveAny(r.Context(), id.Subject(), keys)
	}

	respondJSON(w, http.StatusOK, CheckResponse{
		UserID:      id.UserID,
		Role:        id.Role,
		Mode:        mode,
		Permissions: keys,
		Allowed:     d.Allowed,
		Decision:    d,
	})
}

// Navigation returns the navigation entries visible to the caller
// @Summary Navigation
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// @Router /navigation [get]
func (h *Handler) Navigation(w http.ResponseWriter, r *http.Request) {
	id := GetIdentity(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"items": h.guard.FilterNavigation(r.Context(), id),
	})
}

// RouteAccess evaluates a page path for the caller without following it
// @Summary Route Access
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param path query string true "Page path"
// @Success 200 {object} routeguard.Outcome
// @Failure 400 {object} map[string]string
// @Router /routes/access [get]
func (h *Handler) RouteAccess(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	respondJSON(w, http.StatusOK, h.guard.Check(r.Context(), GetIdentity(r.Context()), path))
}

// PermissionMetrics returns the access monitor summary
// @Summary Permission Metrics
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} monitor.Summary
// @Failure 403 {object} map[string]string
// @Router /admin/permission-metrics [get]
func (h *Handler) PermissionMetrics(w http.ResponseWriter, r *http.Request) {
	if f := r.URL.Query().Get("format"); f != "" && f != "summary" {
		respondError(w, http.StatusBadRequest, "unsupported format")
		return
	}
	respondJSON(w, http.StatusOK, h.authzService.MetricsSummary())
}
