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

package authz

import (
	"context"
	"errors"
	"time"

	"github.com/opentrusty/accessgate/internal/permission"
)

// Domain errors
var (
	ErrStoreUnavailable = errors.New("grant store unavailable")
	ErrGrantNotFound    = errors.New("grant not found")
	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidGrant     = errors.New("invalid grant")
)

// Decision reason codes. These are machine-readable and safe to show to operators.
const (
	ReasonUniversal        = "universal_permission"
	ReasonRoleDefault      = "role_default"
	ReasonExplicitGrant    = "explicit_grant"
	ReasonNoMatch          = "no_matching_permission"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonNoPermissions    = "no_permissions_requested"
)

// SourceKind identifies where a matching permission came from.
type SourceKind string

const (
	SourceNone  SourceKind = ""
	SourceRole  SourceKind = "role"
	SourceGrant SourceKind = "grant"
)

// Subject is the verified identity a decision is made for.
// It is passed explicitly into every resolution call.
type Subject struct {
	UserID string
	Role   Role
}

// Grant is an explicit permission given to one user, optionally time-bounded.
type Grant struct {
	ID         string
	UserID     string
	Permission permission.Key
	GrantedBy  string
	GrantedAt  time.Time
	ExpiresAt  *time.Time // nil never expires
}

// Active reports whether the grant is in effect at now. Expired grants are
// treated as absent without being deleted.
func (g *Grant) Active(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// GrantRequest is the input to a grant upsert.
type GrantRequest struct {
	UserID     string
	Permission permission.Key
	GrantedBy  string
	ExpiresAt  *time.Time
}

// MatchedSource describes the candidate that decided an allow.
type MatchedSource struct {
	Kind       SourceKind     `json:"kind"`
	Permission permission.Key `json:"permission"`
	Role       Role           `json:"role,omitempty"`
	GrantID    string         `json:"grant_id,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"` // set when the matching grant is time-bounded
}

// Decision is the outcome of a resolution call.
type Decision struct {
	Allowed       bool           `json:"allowed"`
	Reason        string         `json:"reason"`
	Permission    permission.Key `json:"permission"`
	MatchedSource *MatchedSource `json:"matched_source,omitempty"`
	CacheHit      bool           `json:"cache_hit"`
}

// GrantStore is the persistence boundary for grants and role defaults.
// Implementations must be safe for concurrent use.
type GrantStore interface {
	// ListGrants returns every grant for the user, including expired ones.
	ListGrants(ctx context.Context, userID string) ([]*Grant, error)

	// ListRoleDefaults returns operator-configured defaults for a role,
	// in addition to the built-in hierarchy table.
	ListRoleDefaults(ctx context.Context, role Role) ([]permission.Key, error)

	// UpsertGrant creates the grant or replaces the one with the same
	// user and permission. It returns the stored grant.
	UpsertGrant(ctx context.Context, grant *Grant) (*Grant, error)

	// DeleteGrant removes the user's grant for permission.
	DeleteGrant(ctx context.Context, userID string, perm permission.Key) error

	// DeleteGrants removes every grant for the user.
	DeleteGrants(ctx context.Context, userID string) error
}

// InvalidationPublisher fans cache invalidations out to peers.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, userID string) error
	PublishPurge(ctx context.Context) error
}
