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

package authz_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/accessgate/internal/audit"
	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/monitor"
	"github.com/opentrusty/accessgate/internal/permission"
)

// fakeStore implements authz.GrantStore in memory and counts reads.
type fakeStore struct {
	mu           sync.Mutex
	grants       map[string][]*authz.Grant
	roleDefaults map[authz.Role][]permission.Key
	reads        atomic.Int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		grants:       make(map[string][]*authz.Grant),
		roleDefaults: make(map[authz.Role][]permission.Key),
	}
}

func (f *fakeStore) ListGrants(_ context.Context, userID string) ([]*authz.Grant, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*authz.Grant, 0, len(f.grants[userID]))
	for _, g := range f.grants[userID] {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) ListRoleDefaults(_ context.Context, role authz.Role) ([]permission.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]permission.Key(nil), f.roleDefaults[role]...), nil
}

func (f *fakeStore) UpsertGrant(_ context.Context, g *authz.Grant) (*authz.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.grants[g.UserID]
	for i, existing := range list {
		if existing.Permission == g.Permission {
			cp := *g
			cp.ID = existing.ID
			list[i] = &cp
			return &cp, nil
		}
	}
	cp := *g
	f.grants[g.UserID] = append(list, &cp)
	return &cp, nil
}

func (f *fakeStore) DeleteGrant(_ context.Context, userID string, perm permission.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.grants[userID]
	for i, g := range list {
		if g.Permission == perm {
			f.grants[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return authz.ErrGrantNotFound
}

func (f *fakeStore) DeleteGrants(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants, userID)
	return nil
}

// put seeds a grant directly, bypassing the service.
func (f *fakeStore) put(userID, perm string, grantedAt time.Time, expiresAt *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[userID] = append(f.grants[userID], &authz.Grant{
		ID:         fmt.Sprintf("g-%s-%s", userID, perm),
		UserID:     userID,
		Permission: permission.MustParse(perm),
		GrantedAt:  grantedAt,
		ExpiresAt:  expiresAt,
	})
}

// mockStore is a testify mock for failure injection.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListGrants(ctx context.Context, userID string) ([]*authz.Grant, error) {
	args := m.Called(ctx, userID)
	grants, _ := args.Get(0).([]*authz.Grant)
	return grants, args.Error(1)
}

func (m *mockStore) ListRoleDefaults(ctx context.Context, role authz.Role) ([]permission.Key, error) {
	args := m.Called(ctx, role)
	keys, _ := args.Get(0).([]permission.Key)
	return keys, args.Error(1)
}

func (m *mockStore) UpsertGrant(ctx context.Context, g *authz.Grant) (*authz.Grant, error) {
	args := m.Called(ctx, g)
	out, _ := args.Get(0).(*authz.Grant)
	return out, args.Error(1)
}

func (m *mockStore) DeleteGrant(ctx context.Context, userID string, perm permission.Key) error {
	return m.Called(ctx, userID, perm).Error(0)
}

func (m *mockStore) DeleteGrants(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	users  []string
	purges int
}

func (p *recordingPublisher) PublishPurge(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purges++
	return nil
}

func (p *recordingPublisher) PublishInvalidation(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return nil
}

func newService(store authz.GrantStore, opts ...authz.Option) (*authz.Service, *monitor.Monitor) {
	mon := monitor.New(100)
	cache := authz.NewDecisionCache(1000, time.Minute)
	return authz.NewService(store, cache, mon, opts...), mon
}

var ctx = context.Background()

func key(s string) permission.Key { return permission.MustParse(s) }

func ptr(t time.Time) *time.Time { return &t }

// TestPurpose: Validates that an expired grant is treated as absent without being deleted.
// Scope: Unit Test
// Security: Privilege lag after time-bounded access ends
// Expected: A grant with expiresAt in the past does not allow; an unexpired one does.
// Test Case ID: AUTHZ-01
func TestResolve_ExpiredGrantIsAbsent(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.put("u1", "analytics:reports:read", now.Add(-2*time.Hour), ptr(now.Add(-time.Minute)))
	store.put("u1", "analytics:exports:read", now.Add(-2*time.Hour), ptr(now.Add(time.Hour)))

	svc, _ := newService(store)
	subject := authz.Subject{UserID: "u1", Role: authz.RoleCustomAdmin}

	d := svc.Resolve(ctx, subject, key("analytics:reports:read"))
	assert.False(t, d.Allowed)
	assert.Equal(t, authz.ReasonNoMatch, d.Reason)

	d = svc.Resolve(ctx, subject, key("analytics:exports:read"))
	assert.True(t, d.Allowed)
	assert.Equal(t, authz.ReasonExplicitGrant, d.Reason)
}

func TestResolve_ExpiryBoundaryIsExpired(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.put("u1", "analytics:reports:read", now.Add(-time.Hour), ptr(now))

	svc, _ := newService(store, authz.WithClock(func() time.Time { return now }))
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleArtist}, key("analytics:reports:read"))
	assert.False(t, d.Allowed)
}

func TestResolve_ExpiredGrantCoveredByRoleDefault(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.put("u1", "artist:dashboard:access", now.Add(-time.Hour), ptr(now.Add(-time.Minute)))

	svc, _ := newService(store)
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleArtist}, key("artist:dashboard:access"))
	assert.True(t, d.Allowed)
	assert.Equal(t, authz.ReasonRoleDefault, d.Reason)
}

// TestPurpose: Validates that super_admin is allowed every permission without reading grants.
// Scope: Unit Test
// Security: Universal permission short-circuit
// Expected: Allowed with reason universal_permission for arbitrary keys; the store is never read.
// Test Case ID: AUTHZ-02
func TestResolve_SuperAdminAlwaysAllowed(t *testing.T) {
	store := newFakeStore()
	svc, _ := newService(store)
	subject := authz.Subject{UserID: "root", Role: authz.RoleSuperAdmin}

	for _, k := range []string{"superadmin:dashboard:access", "billing:invoices:delete", "x:y:z", "*:*:*"} {
		d := svc.Resolve(ctx, subject, key(k))
		assert.True(t, d.Allowed, k)
		assert.Equal(t, authz.ReasonUniversal, d.Reason, k)
		require.NotNil(t, d.MatchedSource)
		assert.Equal(t, authz.SourceRole, d.MatchedSource.Kind)
	}
	assert.Equal(t, int64(0), store.reads.Load())
}

// TestPurpose: Validates idempotence and cache tagging of repeated resolutions.
// Scope: Unit Test
// Expected: Two calls return identical decisions; the second is a cache hit and does not read the store.
// Test Case ID: AUTHZ-03
func TestResolve_SecondCallIsCacheHit(t *testing.T) {
	store := newFakeStore()
	svc, _ := newService(store)
	subject := authz.Subject{UserID: "u1", Role: authz.RoleArtist}

	first := svc.Resolve(ctx, subject, key("artist:releases:create"))
	reads := store.reads.Load()
	second := svc.Resolve(ctx, subject, key("artist:releases:create"))

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, reads, store.reads.Load())

	second.CacheHit = false
	assert.Equal(t, first, second)
}

// TestPurpose: Validates that a grant mutation is visible to the very next resolution.
// Scope: Unit Test
// Security: Privilege escalation and privilege lag windows
// Expected: A cached deny is replaced by an allow immediately after UpsertGrant; revoke flips it back.
// Test Case ID: AUTHZ-04
func TestService_MutationInvalidatesCachedDenial(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	svc, _ := newService(store, authz.WithPublisher(pub))
	subject := authz.Subject{UserID: "u1", Role: authz.RoleArtist}
	k := key("superadmin:dashboard:access")

	d := svc.Resolve(ctx, subject, k)
	require.False(t, d.Allowed)
	require.True(t, svc.Resolve(ctx, subject, k).CacheHit)

	_, err := svc.UpsertGrant(ctx, authz.GrantRequest{UserID: "u1", Permission: k, GrantedBy: "admin"})
	require.NoError(t, err)

	d = svc.Resolve(ctx, subject, k)
	assert.True(t, d.Allowed)
	assert.False(t, d.CacheHit)

	require.NoError(t, svc.RevokeGrant(ctx, "admin", "u1", k))
	d = svc.Resolve(ctx, subject, k)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"u1", "u1"}, pub.users)
}

// TestPurpose: Validates most-specific matching among overlapping grants.
// Scope: Unit Test
// Expected: The exact-match grant is reported as matched source over analytics:*:*.
// Test Case ID: AUTHZ-05
func TestResolve_MostSpecificGrantWins(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	// The wildcard is newer so recency alone would pick it.
	store.put("u1", "analytics:platform_analytics:read", now.Add(-time.Hour), nil)
	store.put("u1", "analytics:*:*", now, nil)

	svc, _ := newService(store)
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleCustomAdmin}, key("analytics:platform_analytics:read"))

	require.True(t, d.Allowed)
	require.NotNil(t, d.MatchedSource)
	assert.Equal(t, "analytics:platform_analytics:read", d.MatchedSource.Permission.String())
	assert.Equal(t, authz.SourceGrant, d.MatchedSource.Kind)
}

func TestResolve_SpecificityTieGoesToNewestGrant(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.put("u1", "analytics:*:read", now.Add(-time.Hour), nil)
	store.put("u1", "analytics:reports:*", now, nil)

	svc, _ := newService(store)
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleCustomAdmin}, key("analytics:reports:read"))

	require.True(t, d.Allowed)
	assert.Equal(t, "analytics:reports:*", d.MatchedSource.Permission.String())
}

func TestResolve_UniversalGrantShortCircuits(t *testing.T) {
	store := newFakeStore()
	store.put("u1", "analytics:reports:read", time.Now(), nil)
	store.put("u1", "*:*:*", time.Now().Add(-time.Hour), nil)

	svc, _ := newService(store)
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleCustomAdmin}, key("analytics:reports:read"))
	assert.True(t, d.Allowed)
	assert.Equal(t, authz.ReasonUniversal, d.Reason)
}

// TestPurpose: Validates the artist scenario end to end.
// Scope: Unit Test
// Expected: Denied with no_matching_permission, then allowed after a non-expiring exact grant.
// Test Case ID: AUTHZ-06
func TestService_ArtistGainsSuperadminDashboard(t *testing.T) {
	store := newFakeStore()
	audits := &audit.Recorder{}
	svc, _ := newService(store, authz.WithAuditLogger(audits))
	subject := authz.Subject{UserID: "artist-1", Role: authz.RoleArtist}
	k := key("superadmin:dashboard:access")

	d := svc.Resolve(ctx, subject, k)
	assert.False(t, d.Allowed)
	assert.Equal(t, authz.ReasonNoMatch, d.Reason)
	assert.Nil(t, d.MatchedSource)

	g, err := svc.UpsertGrant(ctx, authz.GrantRequest{UserID: "artist-1", Permission: k, GrantedBy: "admin-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Nil(t, g.ExpiresAt)

	d = svc.Resolve(ctx, subject, k)
	assert.True(t, d.Allowed)
	assert.Equal(t, authz.ReasonExplicitGrant, d.Reason)
	assert.Equal(t, g.ID, d.MatchedSource.GrantID)

	events := audits.OfType(audit.TypeGrantUpserted)
	require.Len(t, events, 1)
	assert.Equal(t, "admin-1", events[0].ActorID)
	assert.Equal(t, "superadmin:dashboard:access", events[0].Resource)
}

// TestPurpose: Validates concurrent resolution against the access monitor.
// Scope: Unit Test
// Expected: 100 concurrent checks across 50 users yield totalChecks=100 and 10 recent checks.
// Test Case ID: AUTHZ-07
func TestService_ConcurrentResolveMonitor(t *testing.T) {
	store := newFakeStore()
	svc, mon := newService(store)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subject := authz.Subject{UserID: fmt.Sprintf("user-%d", i%50), Role: authz.RoleArtist}
			svc.Resolve(ctx, subject, key("artist:dashboard:access"))
		}(i)
	}
	wg.Wait()

	s := svc.MetricsSummary()
	assert.Equal(t, int64(100), s.TotalChecks)
	assert.Len(t, s.RecentChecks, 10)
	assert.Equal(t, 100, mon.Len())
	for _, rc := range s.RecentChecks {
		assert.True(t, rc.Success)
		assert.Equal(t, "artist:dashboard:access", rc.Permission)
	}
}

// TestPurpose: Validates fail-closed behavior when the grant store errors.
// Scope: Unit Test
// Security: Fail-closed authorization (CWE-636)
// Expected: Deny with store_unavailable, error flagged in the monitor, decision not cached.
// Test Case ID: AUTHZ-08
func TestService_StoreFailureFailsClosed(t *testing.T) {
	store := &mockStore{}
	store.On("ListRoleDefaults", mock.Anything, authz.RoleArtist).Return(nil, nil)
	store.On("ListGrants", mock.Anything, "u1").Return(nil, errors.New("connection refused"))

	svc, _ := newService(store)
	subject := authz.Subject{UserID: "u1", Role: authz.RoleArtist}

	for i := 0; i < 2; i++ {
		d := svc.Resolve(ctx, subject, key("artist:dashboard:access"))
		assert.False(t, d.Allowed)
		assert.Equal(t, authz.ReasonStoreUnavailable, d.Reason)
		assert.False(t, d.CacheHit)
	}

	s := svc.MetricsSummary()
	assert.Equal(t, "100.00%", s.ErrorRate)
	assert.Equal(t, authz.ReasonStoreUnavailable, s.RecentChecks[0].Error)
	store.AssertNumberOfCalls(t, "ListGrants", 2)
}

func TestResolver_CancelledContextFailsClosed(t *testing.T) {
	r := authz.NewResolver(newFakeStore(), nil)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	d, err := r.Resolve(cctx, authz.Subject{UserID: "u1", Role: authz.RoleArtist}, key("artist:dashboard:access"))
	assert.ErrorIs(t, err, authz.ErrStoreUnavailable)
	assert.False(t, d.Allowed)
	assert.Equal(t, authz.ReasonStoreUnavailable, d.Reason)
}

func TestResolve_StoreRoleDefaultsExtendBuiltins(t *testing.T) {
	store := newFakeStore()
	store.roleDefaults[authz.RoleArtist] = []permission.Key{key("community:forum:post")}

	svc, _ := newService(store)
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleArtist}, key("community:forum:post"))
	assert.True(t, d.Allowed)
	assert.Equal(t, authz.ReasonRoleDefault, d.Reason)
	assert.Equal(t, authz.RoleArtist, d.MatchedSource.Role)
}

func TestResolve_HigherRankDoesNotInheritDefaults(t *testing.T) {
	svc, _ := newService(newFakeStore())
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleCompanyAdmin}, key("labeladmin:dashboard:access"))
	assert.False(t, d.Allowed)
}

func TestResolve_OtherUsersGrantsIgnored(t *testing.T) {
	store := newFakeStore()
	store.put("u2", "analytics:reports:read", time.Now(), nil)

	svc, _ := newService(store)
	d := svc.Resolve(ctx, authz.Subject{UserID: "u1", Role: authz.RoleCustomAdmin}, key("analytics:reports:read"))
	assert.False(t, d.Allowed)
}

func TestService_ResolveAnyAll(t *testing.T) {
	store := newFakeStore()
	store.put("u1", "analytics:platform_analytics:read", time.Now(), nil)
	svc, _ := newService(store)
	subject := authz.Subject{UserID: "u1", Role: authz.RoleCustomAdmin}
	held := key("analytics:platform_analytics:read")
	missing := key("superadmin:dashboard:access")

	anyOf := svc.ResolveAny(ctx, subject, []permission.Key{missing, held})
	assert.True(t, anyOf.Allowed)
	assert.Equal(t, held, anyOf.Permission)

	allOf := svc.ResolveAll(ctx, subject, []permission.Key{held, missing})
	assert.False(t, allOf.Allowed)
	assert.Equal(t, missing, allOf.Permission)

	assert.True(t, svc.ResolveAll(ctx, subject, []permission.Key{held}).Allowed)

	empty := svc.ResolveAny(ctx, subject, nil)
	assert.False(t, empty.Allowed)
	assert.Equal(t, authz.ReasonNoPermissions, empty.Reason)
	assert.Equal(t, authz.ReasonNoPermissions, svc.ResolveAll(ctx, subject, nil).Reason)
}

func TestService_ResetToDefaults(t *testing.T) {
	store := newFakeStore()
	svc, _ := newService(store)
	subject := authz.Subject{UserID: "u1", Role: authz.RoleArtist}

	_, err := svc.UpsertGrant(ctx, authz.GrantRequest{UserID: "u1", Permission: key("analytics:*:*"), GrantedBy: "admin"})
	require.NoError(t, err)
	require.True(t, svc.Resolve(ctx, subject, key("analytics:reports:read")).Allowed)

	require.NoError(t, svc.ResetToDefaults(ctx, "admin", "u1"))
	assert.False(t, svc.Resolve(ctx, subject, key("analytics:reports:read")).Allowed)
	assert.True(t, svc.Resolve(ctx, subject, key("artist:dashboard:access")).Allowed)

	grants, err := svc.ListGrants(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestService_UpsertGrantValidation(t *testing.T) {
	svc, _ := newService(newFakeStore())

	_, err := svc.UpsertGrant(ctx, authz.GrantRequest{Permission: key("a:b:c")})
	assert.ErrorIs(t, err, authz.ErrInvalidGrant)

	_, err = svc.UpsertGrant(ctx, authz.GrantRequest{UserID: "u1"})
	assert.ErrorIs(t, err, authz.ErrInvalidGrant)

	past := time.Now().Add(-time.Minute)
	_, err = svc.UpsertGrant(ctx, authz.GrantRequest{UserID: "u1", Permission: key("a:b:c"), ExpiresAt: &past})
	assert.ErrorIs(t, err, authz.ErrInvalidGrant)
}

func TestService_RevokeMissingGrant(t *testing.T) {
	svc, _ := newService(newFakeStore())
	err := svc.RevokeGrant(ctx, "admin", "u1", key("a:b:c"))
	assert.ErrorIs(t, err, authz.ErrGrantNotFound)
}

func TestService_UpsertStoreFailure(t *testing.T) {
	store := &mockStore{}
	store.On("UpsertGrant", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	svc, _ := newService(store)
	_, err := svc.UpsertGrant(ctx, authz.GrantRequest{UserID: "u1", Permission: key("a:b:c")})
	assert.ErrorIs(t, err, authz.ErrStoreUnavailable)
}

// TestPurpose: Validates that a cache purge makes changed role defaults visible everywhere.
// Scope: Unit Test
// Security: Stale decisions after an operator edits role defaults
// Expected: The cached denial is dropped locally, peers are told and the purge is audited.
// Test Case ID: AUTHZ-PURGE-01
func TestService_PurgeCacheAppliesNewRoleDefaults(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	rec := &audit.Recorder{}
	svc, _ := newService(store, authz.WithPublisher(pub), authz.WithAuditLogger(rec))
	subject := authz.Subject{UserID: "u1", Role: authz.RoleArtist}
	forum := key("community:forum:post")

	require.False(t, svc.Resolve(ctx, subject, forum).Allowed)

	store.mu.Lock()
	store.roleDefaults[authz.RoleArtist] = []permission.Key{forum}
	store.mu.Unlock()

	// Still served from cache until purged.
	assert.False(t, svc.Resolve(ctx, subject, forum).Allowed)

	svc.PurgeCache(ctx, "ops")

	d := svc.Resolve(ctx, subject, forum)
	assert.True(t, d.Allowed)
	assert.False(t, d.CacheHit)
	assert.Equal(t, 1, pub.purges)

	events := rec.OfType(audit.TypeCachePurged)
	require.Len(t, events, 1)
	assert.Equal(t, "ops", events[0].ActorID)
}

// TestPurpose: Validates that a cached allow ends with the grant that produced it.
// Scope: Unit Test
// Security: Privilege lag after time-bounded access ends
// Expected: Once the clock passes the grant's expiresAt the next resolution denies, well within the cache TTL.
// Test Case ID: AUTHZ-EXP-02
func TestResolve_CachedAllowEndsAtGrantExpiry(t *testing.T) {
	store := newFakeStore()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	expiry := start.Add(2 * time.Second)
	store.put("u1", "analytics:reports:read", start.Add(-time.Hour), ptr(expiry))

	var mu sync.Mutex
	now := start
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	svc, _ := newService(store, authz.WithClock(clock))
	subject := authz.Subject{UserID: "u1", Role: authz.RoleCustomAdmin}
	perm := key("analytics:reports:read")

	first := svc.Resolve(ctx, subject, perm)
	require.True(t, first.Allowed)
	require.NotNil(t, first.MatchedSource)
	require.NotNil(t, first.MatchedSource.ExpiresAt)
	assert.True(t, expiry.Equal(*first.MatchedSource.ExpiresAt))

	second := svc.Resolve(ctx, subject, perm)
	require.True(t, second.Allowed)
	assert.True(t, second.CacheHit)

	mu.Lock()
	now = start.Add(3 * time.Second)
	mu.Unlock()

	third := svc.Resolve(ctx, subject, perm)
	assert.False(t, third.Allowed)
	assert.False(t, third.CacheHit)
	assert.Equal(t, authz.ReasonNoMatch, third.Reason)
}

func TestService_DenialLogCarriesDecisionAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc, _ := newService(newFakeStore(), authz.WithLogger(log))
	subject := authz.Subject{UserID: "u1", Role: authz.RoleArtist}

	svc.Resolve(ctx, subject, key("finance:payouts:read"))
	svc.Resolve(ctx, subject, key("finance:payouts:read"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var entries []map[string]any
	for _, line := range lines {
		var e map[string]any
		require.NoError(t, json.Unmarshal(line, &e))
		entries = append(entries, e)
	}
	assert.Equal(t, "permission denied", entries[0]["msg"])
	assert.Equal(t, false, entries[0]["allowed"])
	assert.Equal(t, false, entries[0]["cache_hit"])
	assert.Equal(t, authz.ReasonNoMatch, entries[1]["reason"])
	assert.Equal(t, true, entries[1]["cache_hit"])
}
