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

// Package routeguard gates paths and navigation entries using declarative
// route rules evaluated against the permission resolver.
package routeguard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/permission"
)

// ErrInvalidRule is returned for any registry entry that fails validation.
var ErrInvalidRule = errors.New("invalid route rule")

// Default surfaces used when the registry does not name them.
const (
	DefaultLoginPath    = "/login"
	DefaultFallbackPath = "/unauthorized"
)

// Mode combines multiple required permissions.
type Mode string

const (
	ModeAny Mode = "any"
	ModeAll Mode = "all"
)

// Pattern is a validated path prefix. "/x/*" and "/x" both cover /x and
// everything below it at a segment boundary.
type Pattern struct {
	raw  string
	base string
}

// ParsePattern validates a route pattern.
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" || !strings.HasPrefix(s, "/") {
		return Pattern{}, fmt.Errorf("%w: pattern %q must start with /", ErrInvalidRule, s)
	}
	base := strings.TrimSuffix(s, "*")
	if strings.Contains(base, "*") {
		return Pattern{}, fmt.Errorf("%w: pattern %q may only end in /*", ErrInvalidRule, s)
	}
	if base != s && !strings.HasSuffix(base, "/") {
		return Pattern{}, fmt.Errorf("%w: pattern %q may only end in /*", ErrInvalidRule, s)
	}
	base = strings.TrimRight(path.Clean(base), "/")
	return Pattern{raw: s, base: base}, nil
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Specificity is the length of the literal prefix.
func (p Pattern) Specificity() int { return len(p.base) }

// Match reports whether the cleaned path falls under the pattern.
func (p Pattern) Match(cleaned string) bool {
	if p.base == "" {
		return true
	}
	return cleaned == p.base || strings.HasPrefix(cleaned, p.base+"/")
}

// DenyRule blocks every path under Pattern regardless of grants.
type DenyRule struct {
	Pattern Pattern
	Reason  string
}

// RouteRule names what a caller must hold to reach paths under Pattern.
// When both permissions and a role condition are set, both must hold.
type RouteRule struct {
	Pattern     Pattern
	Permissions []permission.Key
	Mode        Mode
	Roles       []authz.Role
	MinRole     authz.Role
}

// NavEntry is a client-visible navigation link. Entries without
// permissions are shown when their Path passes the guard.
type NavEntry struct {
	ID          string           `json:"id"`
	Label       string           `json:"label"`
	Path        string           `json:"path"`
	Section     string           `json:"section,omitempty"`
	Permissions []permission.Key `json:"-"`
	Mode        Mode             `json:"-"`
}

// Registry is the validated set of rules loaded at start-up.
type Registry struct {
	LoginPath    string
	FallbackPath string
	Deny         []DenyRule
	Routes       []RouteRule
	Navigation   []NavEntry
}

type rawRegistry struct {
	LoginPath    string     `yaml:"login_path"`
	FallbackPath string     `yaml:"fallback_path"`
	Deny         []rawDeny  `yaml:"deny"`
	Routes       []rawRoute `yaml:"routes"`
	Navigation   []rawNav   `yaml:"navigation"`
}

type rawDeny struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

type rawRoute struct {
	Pattern     string   `yaml:"pattern"`
	Permissions []string `yaml:"permissions"`
	Mode        string   `yaml:"mode"`
	Roles       []string `yaml:"roles"`
	MinRole     string   `yaml:"min_role"`
}

type rawNav struct {
	ID          string   `yaml:"id"`
	Label       string   `yaml:"label"`
	Path        string   `yaml:"path"`
	Section     string   `yaml:"section"`
	Permissions []string `yaml:"permissions"`
	Mode        string   `yaml:"mode"`
}

// LoadRegistryFile reads and validates a YAML registry file.
func LoadRegistryFile(name string) (*Registry, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open route registry: %w", err)
	}
	defer f.Close()
	return LoadRegistry(f)
}

// LoadRegistry decodes and validates a YAML registry. Any malformed entry
// fails the whole load.
func LoadRegistry(r io.Reader) (*Registry, error) {
	var raw rawRegistry
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return raw.build()
}

func (raw rawRegistry) build() (*Registry, error) {
	reg := &Registry{
		LoginPath:    raw.LoginPath,
		FallbackPath: raw.FallbackPath,
	}
	if reg.LoginPath == "" {
		reg.LoginPath = DefaultLoginPath
	}
	if reg.FallbackPath == "" {
		reg.FallbackPath = DefaultFallbackPath
	}

	for i, d := range raw.Deny {
		p, err := ParsePattern(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("deny[%d]: %w", i, err)
		}
		reason := d.Reason
		if reason == "" {
			reason = ReasonRouteDenied
		}
		reg.Deny = append(reg.Deny, DenyRule{Pattern: p, Reason: reason})
	}

	seen := make(map[string]bool)
	for i, rr := range raw.Routes {
		rule, err := rr.build()
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if seen[rule.Pattern.base] {
			return nil, fmt.Errorf("routes[%d]: %w: duplicate pattern %q", i, ErrInvalidRule, rr.Pattern)
		}
		seen[rule.Pattern.base] = true
		reg.Routes = append(reg.Routes, rule)
	}

	for i, rn := range raw.Navigation {
		entry, err := rn.build()
		if err != nil {
			return nil, fmt.Errorf("navigation[%d]: %w", i, err)
		}
		reg.Navigation = append(reg.Navigation, entry)
	}

	return reg, nil
}

func (rr rawRoute) build() (RouteRule, error) {
	p, err := ParsePattern(rr.Pattern)
	if err != nil {
		return RouteRule{}, err
	}
	rule := RouteRule{Pattern: p}

	if rule.Permissions, err = parseKeys(rr.Permissions); err != nil {
		return RouteRule{}, err
	}
	if rule.Mode, err = parseMode(rr.Mode); err != nil {
		return RouteRule{}, err
	}
	for _, name := range rr.Roles {
		role, err := authz.ParseRole(name)
		if err != nil {
			return RouteRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		rule.Roles = append(rule.Roles, role)
	}
	if rr.MinRole != "" {
		if rule.MinRole, err = authz.ParseRole(rr.MinRole); err != nil {
			return RouteRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}

	if len(rule.Permissions) == 0 && len(rule.Roles) == 0 && rule.MinRole == "" {
		return RouteRule{}, fmt.Errorf("%w: %q names neither permissions nor roles", ErrInvalidRule, rr.Pattern)
	}
	return rule, nil
}

func (rn rawNav) build() (NavEntry, error) {
	if rn.ID == "" || rn.Path == "" {
		return NavEntry{}, fmt.Errorf("%w: navigation entries need an id and a path", ErrInvalidRule)
	}
	if _, err := ParsePattern(rn.Path); err != nil {
		return NavEntry{}, err
	}
	keys, err := parseKeys(rn.Permissions)
	if err != nil {
		return NavEntry{}, err
	}
	mode, err := parseMode(rn.Mode)
	if err != nil {
		return NavEntry{}, err
	}
	return NavEntry{
		ID:          rn.ID,
		Label:       rn.Label,
		Path:        rn.Path,
		Section:     rn.Section,
		Permissions: keys,
		Mode:        mode,
	}, nil
}

func parseKeys(raw []string) ([]permission.Key, error) {
	keys, err := permission.ParseAll(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return keys, nil
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeAny:
		return ModeAny, nil
	case ModeAll:
		return ModeAll, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRule, s)
	}
}
