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

// Package memory provides an in-process GrantStore for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/permission"
)

// GrantStore keeps grants and role defaults in maps guarded by a RWMutex.
type GrantStore struct {
	mu           sync.RWMutex
	grants       map[string]map[permission.Key]*authz.Grant
	roleDefaults map[authz.Role][]permission.Key
}

// NewGrantStore creates an empty store.
func NewGrantStore() *GrantStore {
	return &GrantStore{
		grants:       make(map[string]map[permission.Key]*authz.Grant),
		roleDefaults: make(map[authz.Role][]permission.Key),
	}
}

// ListGrants returns copies of the user's grants, oldest first.
func (s *GrantStore) ListGrants(ctx context.Context, userID string) ([]*authz.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*authz.Grant, 0, len(s.grants[userID]))
	for _, g := range s.grants[userID] {
		out = append(out, copyGrant(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

// ListRoleDefaults returns the operator-configured defaults for role.
func (s *GrantStore) ListRoleDefaults(ctx context.Context, role authz.Role) ([]permission.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]permission.Key(nil), s.roleDefaults[role]...), nil
}

// SetRoleDefaults replaces the configured defaults for role.
func (s *GrantStore) SetRoleDefaults(role authz.Role, keys []permission.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleDefaults[role] = append([]permission.Key(nil), keys...)
}

// UpsertGrant stores g, replacing any grant with the same user and
// permission. The existing grant ID is kept on replace.
func (s *GrantStore) UpsertGrant(ctx context.Context, g *authz.Grant) (*authz.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.grants[g.UserID]
	if !ok {
		byKey = make(map[permission.Key]*authz.Grant)
		s.grants[g.UserID] = byKey
	}
	stored := copyGrant(g)
	if existing, ok := byKey[g.Permission]; ok {
		stored.ID = existing.ID
	}
	byKey[g.Permission] = stored
	return copyGrant(stored), nil
}

// DeleteGrant removes one grant.
func (s *GrantStore) DeleteGrant(ctx context.Context, userID string, perm permission.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[userID][perm]; !ok {
		return authz.ErrGrantNotFound
	}
	delete(s.grants[userID], perm)
	return nil
}

// DeleteGrants removes every grant for the user.
func (s *GrantStore) DeleteGrants(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, userID)
	return nil
}

// PurgeExpired deletes grants that expired before cutoff and returns how
// many were removed.
func (s *GrantStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for userID, byKey := range s.grants {
		for k, g := range byKey {
			if g.ExpiresAt != nil && g.ExpiresAt.Before(cutoff) {
				delete(byKey, k)
				n++
			}
		}
		if len(byKey) == 0 {
			delete(s.grants, userID)
		}
	}
	return n, nil
}

func copyGrant(g *authz.Grant) *authz.Grant {
	cp := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
