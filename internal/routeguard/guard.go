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

package routeguard

import (
	"context"
	"net/url"
	"path"
	"slices"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/identity"
	"github.com/opentrusty/accessgate/internal/permission"
)

// Guard reason codes, in addition to the resolver's.
const (
	ReasonAuthenticationMissing = "authentication_missing"
	ReasonNoMatchingRoute       = "no_matching_route"
	ReasonRouteDenied           = "route_denied"
	ReasonInsufficientRole      = "insufficient_role"
	ReasonRoleSatisfied         = "role_satisfied"
)

// Resolver is the part of the authorization service the guard needs.
type Resolver interface {
	ResolveAny(ctx context.Context, subject authz.Subject, required []permission.Key) authz.Decision
	ResolveAll(ctx context.Context, subject authz.Subject, required []permission.Key) authz.Decision
}

// Outcome is the guard's verdict for one path.
type Outcome struct {
	Allowed  bool            `json:"allowed"`
	Reason   string          `json:"reason,omitempty"`
	Pattern  string          `json:"pattern,omitempty"`
	Redirect string          `json:"redirect,omitempty"`
	Decision *authz.Decision `json:"decision,omitempty"`
}

// Guard evaluates paths against a Registry.
type Guard struct {
	registry  *Registry
	resolver  Resolver
	hierarchy *authz.Hierarchy
}

// New creates a guard. A nil hierarchy uses the built-in role table.
func New(reg *Registry, resolver Resolver, hierarchy *authz.Hierarchy) *Guard {
	if hierarchy == nil {
		hierarchy = authz.DefaultHierarchy()
	}
	return &Guard{registry: reg, resolver: resolver, hierarchy: hierarchy}
}

// Registry returns the rules in use.
func (g *Guard) Registry() *Registry {
	return g.registry
}

// Check decides whether id may reach requestPath.
//
// Order: missing identity, then any matching deny rule (the longest one is
// reported), then the longest matching route rule. A path no rule covers is
// denied.
func (g *Guard) Check(ctx context.Context, id *identity.Identity, requestPath string) Outcome {
	cleaned := cleanPath(requestPath)

	if id == nil {
		return Outcome{
			Reason:   ReasonAuthenticationMissing,
			Redirect: g.registry.LoginPath + "?next=" + url.QueryEscape(requestPath),
		}
	}

	if deny := g.matchDeny(cleaned); deny != nil {
		return g.denied(deny.Reason, deny.Pattern.String(), nil)
	}

	rule := g.matchRoute(cleaned)
	if rule == nil {
		return g.denied(ReasonNoMatchingRoute, "", nil)
	}

	if !g.roleSatisfied(id.Role, rule) {
		return g.denied(ReasonInsufficientRole, rule.Pattern.String(), nil)
	}

	if len(rule.Permissions) == 0 {
		return Outcome{Allowed: true, Reason: ReasonRoleSatisfied, Pattern: rule.Pattern.String()}
	}

	d := g.resolve(ctx, id.Subject(), rule.Permissions, rule.Mode)
	if !d.Allowed {
		return g.denied(d.Reason, rule.Pattern.String(), &d)
	}
	return Outcome{Allowed: true, Reason: d.Reason, Pattern: rule.Pattern.String(), Decision: &d}
}

// FilterNavigation returns the entries id may see, in registry order. An
// entry is shown only when its path passes Check; permissions listed on the
// entry narrow that further and never widen it.
func (g *Guard) FilterNavigation(ctx context.Context, id *identity.Identity) []NavEntry {
	out := make([]NavEntry, 0, len(g.registry.Navigation))
	if id == nil {
		return out
	}
	for _, entry := range g.registry.Navigation {
		if !g.Check(ctx, id, entry.Path).Allowed {
			continue
		}
		if len(entry.Permissions) > 0 && !g.resolve(ctx, id.Subject(), entry.Permissions, entry.Mode).Allowed {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (g *Guard) resolve(ctx context.Context, subject authz.Subject, keys []permission.Key, mode Mode) authz.Decision {
	if mode == ModeAll {
		return g.resolver.ResolveAll(ctx, subject, keys)
	}
	return g.resolver.ResolveAny(ctx, subject, keys)
}

func (g *Guard) denied(reason, pattern string, d *authz.Decision) Outcome {
	return Outcome{
		Reason:   reason,
		Pattern:  pattern,
		Redirect: g.registry.FallbackPath + "?reason=" + url.QueryEscape(reason),
		Decision: d,
	}
}

func (g *Guard) roleSatisfied(role authz.Role, rule *RouteRule) bool {
	if role == authz.RoleSuperAdmin {
		return true
	}
	if len(rule.Roles) > 0 && !slices.Contains(rule.Roles, role) {
		return false
	}
	if rule.MinRole != "" && !g.hierarchy.AtLeast(role, rule.MinRole) {
		return false
	}
	return true
}

func (g *Guard) matchDeny(cleaned string) *DenyRule {
	var best *DenyRule
	for i := range g.registry.Deny {
		d := &g.registry.Deny[i]
		if d.Pattern.Match(cleaned) && (best == nil || d.Pattern.Specificity() > best.Pattern.Specificity()) {
			best = d
		}
	}
	return best
}

func (g *Guard) matchRoute(cleaned string) *RouteRule {
	var best *RouteRule
	for i := range g.registry.Routes {
		r := &g.registry.Routes[i]
		if r.Pattern.Match(cleaned) && (best == nil || r.Pattern.Specificity() > best.Pattern.Specificity()) {
			best = r
		}
	}
	return best
}

// cleanPath normalises a request path so dot segments cannot step around a
// deny rule.
func cleanPath(p string) string {
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}
