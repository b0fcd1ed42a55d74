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
	"fmt"
	"strings"

	"github.com/opentrusty/accessgate/internal/permission"
)

// Role is the coarse organizational bucket a user belongs to.
type Role string

// -----------------------------------------------------------------------------
// Role Name Constants
// These are the canonical names carried in verified identities.
// -----------------------------------------------------------------------------

const (
	// RoleArtist is the default role for self-registered accounts.
	RoleArtist Role = "artist"

	// RoleLabelAdmin manages a label's roster and releases.
	RoleLabelAdmin Role = "label_admin"

	// RoleCompanyAdmin administers the platform's back office.
	RoleCompanyAdmin Role = "company_admin"

	// RoleDistributionPartner is an external distribution partner.
	RoleDistributionPartner Role = "distribution_partner"

	// RoleCustomAdmin carries no defaults; it holds only explicit grants.
	RoleCustomAdmin Role = "custom_admin"

	// RoleSuperAdmin implicitly holds *:*:*.
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole returns the Role named by s.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultHierarchy.ranks[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := defaultHierarchy.ranks[r]
	return ok
}

// -----------------------------------------------------------------------------
// Role Permission Mappings
// Default permissions for each role. These are implicit and cannot be
// revoked for an individual user; only a role change removes them.
// -----------------------------------------------------------------------------

// ArtistPermissions defines defaults for the artist role.
var ArtistPermissions = []string{
	"artist:dashboard:access",
	"artist:release:access",
	"artist:analytics:access",
	"artist:earnings:access",
	"artist:roster:access",
	"artist:messages:access",
	"artist:settings:access",
	"artist:platform:access",
}

// LabelAdminPermissions defines defaults for the label_admin role.
var LabelAdminPermissions = []string{
	"labeladmin:dashboard:access",
	"labeladmin:releases:access",
	"labeladmin:analytics:access",
	"labeladmin:earnings:access",
	"labeladmin:roster:access",
	"labeladmin:artists:access",
	"labeladmin:messages:access",
	"labeladmin:settings:access",
	"labeladmin:profile:access",
}

// CompanyAdminPermissions defines defaults for the company_admin role.
var CompanyAdminPermissions = []string{
	"users_access:user_management:read",
	"users_access:permissions_roles:read",
	"analytics:requests:read",
	"analytics:platform_analytics:read",
	"analytics:analytics_management:read",
	"finance:earnings_management:read",
	"finance:wallet_management:read",
	"finance:split_configuration:read",
	"content:asset_library:read",
	"content:master_roster:read",
	"dropdown:platform_messages:read",
}

// DistributionPartnerPermissions defines defaults for the distribution_partner role.
var DistributionPartnerPermissions = []string{
	"distribution:read:partner",
}

// SuperAdminPermissions defines defaults for the super_admin role.
var SuperAdminPermissions = []string{
	"*:*:*",
}

// Hierarchy is the static role table: rank and default permission set per role.
type Hierarchy struct {
	ranks    map[Role]int
	defaults map[Role][]permission.Key
}

var defaultHierarchy = NewHierarchy()

// NewHierarchy builds the built-in role table. It panics if a default key is
// malformed, so a bad table fails at process start rather than per request.
func NewHierarchy() *Hierarchy {
	h := &Hierarchy{
		ranks: map[Role]int{
			RoleCustomAdmin:         0,
			RoleArtist:              1,
			RoleLabelAdmin:          2,
			RoleCompanyAdmin:        3,
			RoleDistributionPartner: 4,
			RoleSuperAdmin:          5,
		},
		defaults: make(map[Role][]permission.Key),
	}

	table := map[Role][]string{
		RoleArtist:              ArtistPermissions,
		RoleLabelAdmin:          LabelAdminPermissions,
		RoleCompanyAdmin:        CompanyAdminPermissions,
		RoleDistributionPartner: DistributionPartnerPermissions,
		RoleCustomAdmin:         nil,
		RoleSuperAdmin:          SuperAdminPermissions,
	}
	for role, names := range table {
		keys := make([]permission.Key, 0, len(names))
		for _, n := range names {
			keys = append(keys, permission.MustParse(n))
		}
		h.defaults[role] = keys
	}
	return h
}

// DefaultHierarchy returns the process-wide role table.
func DefaultHierarchy() *Hierarchy {
	return defaultHierarchy
}

// Defaults returns the implicit permissions of role. Unknown roles have none.
// The returned slice must not be modified.
func (h *Hierarchy) Defaults(role Role) []permission.Key {
	return h.defaults[role]
}

// Rank returns the hierarchy rank of role, or -1 for unknown roles.
func (h *Hierarchy) Rank(role Role) int {
	if r, ok := h.ranks[role]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether role ranks at or above min.
func (h *Hierarchy) AtLeast(role, min Role) bool {
	r := h.Rank(role)
	return r >= 0 && r >= h.Rank(min)
}

// Roles lists every known role in ascending rank.
func (h *Hierarchy) Roles() []Role {
	out := make([]Role, len(h.ranks))
	for role, rank := range h.ranks {
		out[rank] = role
	}
	return out
}
