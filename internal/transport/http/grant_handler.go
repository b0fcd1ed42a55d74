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
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/observability/logger"
	"github.com/opentrusty/accessgate/internal/permission"
)

// ReasonGrantExceedsCaller is returned when an operator tries to hand out a
// permission they do not hold themselves.
const ReasonGrantExceedsCaller = "grant_exceeds_caller"

// GrantResponse represents an explicit grant
type GrantResponse struct {
	ID         string         `json:"id"`
	Permission permission.Key `json:"permission"`
	GrantedBy  string         `json:"granted_by,omitempty"`
	GrantedAt  time.Time      `json:"granted_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Active     bool           `json:"active"`
}

// UpsertGrantRequest represents grant creation data
type UpsertGrantRequest struct {
	Permission permission.Key `json:"permission" example:"analytics:requests:read"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

func toGrantResponse(g *authz.Grant, now time.Time) GrantResponse {
	return GrantResponse{
		ID:         g.ID,
		Permission: g.Permission,
		GrantedBy:  g.GrantedBy,
		GrantedAt:  g.GrantedAt,
		ExpiresAt:  g.ExpiresAt,
		Active:     g.Active(now),
	}
}

// ListGrants handles listing a user's explicit grants
// @Summary List Grants
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]string
// @Router /admin/users/{userID}/grants [get]
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	grants, err := h.authzService.ListGrants(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	now := time.Now()
	out := make([]GrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toGrantResponse(g, now))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"grants":  out,
	})
}

// UpsertGrant handles creating or replacing a grant
// @Summary Upsert Grant
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param request body UpsertGrantRequest true "Grant Data"
// @Success 200 {object} GrantResponse
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /admin/users/{userID}/grants [put]
func (h *Handler) UpsertGrant(w http.ResponseWriter, r *http.Request) {
	caller := GetIdentity(r.Context())
	userID := chi.URLParam(r, "userID")

	var req UpsertGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Permission.IsZero() {
		respondError(w, http.StatusBadRequest, "permission is required")
		return
	}

	if d := h.authzService.Resolve(r.Context(), caller.Subject(), req.Permission); !d.Allowed {
		reason := ReasonGrantExceedsCaller
		if d.Reason == authz.ReasonStoreUnavailable {
			reason = d.Reason
		}
		respondDenied(w, http.StatusForbidden, reason)
		return
	}

	grant, err := h.authzService.UpsertGrant(r.Context(), authz.GrantRequest{
		UserID:     userID,
		Permission: req.Permission,
		GrantedBy:  caller.UserID,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toGrantResponse(grant, time.Now()))
}

// RevokeGrant handles deleting one explicit grant
// @Summary Revoke Grant
// @Tags Admin
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param permission path string true "Permission key"
// @Success 204
// @Failure 404 {object} map[string]string
// @Router /admin/users/{userID}/grants/{permission} [delete]
func (h *Handler) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	caller := GetIdentity(r.Context())
	userID := chi.URLParam(r, "userID")

	raw, err := url.PathUnescape(chi.URLParam(r, "permission"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid permission key")
		return
	}
	key, err := permission.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid permission key")
		return
	}

	if err := h.authzService.RevokeGrant(r.Context(), caller.UserID, userID, key); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetGrants handles removing every explicit grant for a user
// @Summary Reset Grants To Role Defaults
// @Tags Admin
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 204
// @Failure 503 {object} map[string]string
// @Router /admin/users/{userID}/grants/reset [post]
func (h *Handler) ResetGrants(w http.ResponseWriter, r *http.Request) {
	caller := GetIdentity(r.Context())
	userID := chi.URLParam(r, "userID")

	if err := h.authzService.ResetToDefaults(r.Context(), caller.UserID, userID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurgeCache handles dropping every cached decision on all replicas
// @Summary Purge Decision Cache
// @Tags Admin
// @Security BearerAuth
// @Success 204
// @Failure 403 {object} map[string]string
// @Router /admin/cache/purge [post]
func (h *Handler) PurgeCache(w http.ResponseWriter, r *http.Request) {
	caller := GetIdentity(r.Context())
	h.authzService.PurgeCache(r.Context(), caller.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// respondServiceError maps domain errors to status codes. Store details are
// logged, never returned.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidGrant):
		respondError(w, http.StatusBadRequest, "invalid grant")
	case errors.Is(err, authz.ErrGrantNotFound):
		respondError(w, http.StatusNotFound, "grant not found")
	case errors.Is(err, authz.ErrStoreUnavailable):
		h.logger.ErrorContext(r.Context(), "grant store request failed", logger.Path(r.URL.Path), logger.Error(err))
		respondError(w, http.StatusServiceUnavailable, "grant store unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "grant request failed", logger.Path(r.URL.Path), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
