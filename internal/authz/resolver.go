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
	"fmt"
	"time"

	"github.com/opentrusty/accessgate/internal/permission"
)

// Resolver decides whether a subject holds a permission. It has no state of
// its own and performs no writes.
type Resolver struct {
	store     GrantStore
	hierarchy *Hierarchy
	now       func() time.Time
}

// NewResolver creates a resolver over store using the built-in hierarchy.
func NewResolver(store GrantStore, hierarchy *Hierarchy) *Resolver {
	if hierarchy == nil {
		hierarchy = DefaultHierarchy()
	}
	return &Resolver{
		store:     store,
		hierarchy: hierarchy,
		now:       time.Now,
	}
}

// candidate is one permission the subject holds, with its provenance.
type candidate struct {
	key       permission.Key
	kind      SourceKind
	grantID   string
	grantedAt time.Time
	expiresAt *time.Time
}

// Resolve evaluates required for subject.
//
// The returned decision is always usable. A non-nil error means the grant
// store failed; the decision is then a fail-closed deny with reason
// store_unavailable.
func (r *Resolver) Resolve(ctx context.Context, subject Subject, required permission.Key) (Decision, error) {
	deny := Decision{Allowed: false, Permission: required}

	candidates, err := r.candidates(ctx, subject)
	if err != nil {
		deny.Reason = ReasonStoreUnavailable
		return deny, err
	}

	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		if !c.key.Matches(required) {
			continue
		}
		if c.key.IsUniversal() {
			return r.allow(subject, required, c, ReasonUniversal), nil
		}
		if best == nil || moreSpecific(c, best) {
			best = c
		}
	}

	if best == nil {
		deny.Reason = ReasonNoMatch
		return deny, nil
	}

	reason := ReasonRoleDefault
	if best.kind == SourceGrant {
		reason = ReasonExplicitGrant
	}
	return r.allow(subject, required, best, reason), nil
}

// moreSpecific orders candidates: fewer wildcards first, then the most
// recently granted.
func moreSpecific(a, b *candidate) bool {
	if aw, bw := a.key.Wildcards(), b.key.Wildcards(); aw != bw {
		return aw < bw
	}
	return a.grantedAt.After(b.grantedAt)
}

func (r *Resolver) allow(subject Subject, required permission.Key, c *candidate, reason string) Decision {
	src := &MatchedSource{
		Kind:       c.kind,
		Permission: c.key,
		GrantID:    c.grantID,
		ExpiresAt:  c.expiresAt,
	}
	if c.kind == SourceRole {
		src.Role = subject.Role
	}
	return Decision{
		Allowed:       true,
		Reason:        reason,
		Permission:    required,
		MatchedSource: src,
	}
}

// candidates collects role defaults and active grants for subject.
func (r *Resolver) candidates(ctx context.Context, subject Subject) ([]candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	builtin := r.hierarchy.Defaults(subject.Role)
	out := make([]candidate, 0, len(builtin)+8)
	for _, k := range builtin {
		out = append(out, candidate{key: k, kind: SourceRole})
	}

	// Super admins are decided by the static table alone.
	if subject.Role == RoleSuperAdmin {
		return out, nil
	}

	configured, err := r.store.ListRoleDefaults(ctx, subject.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: list role defaults: %v", ErrStoreUnavailable, err)
	}
	for _, k := range configured {
		out = append(out, candidate{key: k, kind: SourceRole})
	}

	grants, err := r.store.ListGrants(ctx, subject.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: list grants: %v", ErrStoreUnavailable, err)
	}
	now := r.now()
	for _, g := range grants {
		if g == nil || g.UserID != subject.UserID || !g.Active(now) {
			continue
		}
		out = append(out, candidate{
			key:       g.Permission,
			kind:      SourceGrant,
			grantID:   g.ID,
			grantedAt: g.GrantedAt,
			expiresAt: g.ExpiresAt,
		})
	}

	return out, nil
}
