package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/accessgate/internal/permission"
)

// TestPurpose: Validates that a result computed before an invalidation is never stored.
// Scope: Unit Test
// Security: Stale allow surviving a revoke (read-your-writes)
// Expected: Put with a generation read before InvalidateUser is rejected.
// Test Case ID: CACHE-01
func TestDecisionCache_StaleGenerationRejected(t *testing.T) {
	c := NewDecisionCache(100, time.Minute)
	s := Subject{UserID: "u1", Role: RoleArtist}
	k := permission.MustParse("a:b:c")

	gen := c.Generation("u1")
	c.InvalidateUser("u1")

	assert.False(t, c.Put(s, k, Decision{Allowed: true, Permission: k}, gen))
	_, ok := c.Get(s, k)
	assert.False(t, ok)

	assert.True(t, c.Put(s, k, Decision{Allowed: true, Permission: k}, c.Generation("u1")))
	d, ok := c.Get(s, k)
	require.True(t, ok)
	assert.True(t, d.CacheHit)
	assert.True(t, d.Allowed)
}

func TestDecisionCache_InvalidateUserOnlyTouchesThatUser(t *testing.T) {
	c := NewDecisionCache(100, time.Minute)
	k := permission.MustParse("a:b:c")
	u1 := Subject{UserID: "u1", Role: RoleArtist}
	u1Admin := Subject{UserID: "u1", Role: RoleLabelAdmin}
	u10 := Subject{UserID: "u10", Role: RoleArtist}

	c.Put(u1, k, Decision{}, c.Generation("u1"))
	c.Put(u1Admin, k, Decision{}, c.Generation("u1"))
	c.Put(u10, k, Decision{}, c.Generation("u10"))
	require.Equal(t, 3, c.Len())

	c.InvalidateUser("u1")

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(u10, k)
	assert.True(t, ok)
}

func TestDecisionCache_KeyedByRole(t *testing.T) {
	c := NewDecisionCache(100, time.Minute)
	k := permission.MustParse("a:b:c")

	c.Put(Subject{UserID: "u1", Role: RoleSuperAdmin}, k, Decision{Allowed: true}, 0)
	_, ok := c.Get(Subject{UserID: "u1", Role: RoleArtist}, k)
	assert.False(t, ok)
}

func TestDecisionCache_TTLExpiry(t *testing.T) {
	c := NewDecisionCache(100, 20*time.Millisecond)
	s := Subject{UserID: "u1", Role: RoleArtist}
	k := permission.MustParse("a:b:c")

	c.Put(s, k, Decision{Allowed: true}, 0)
	_, ok := c.Get(s, k)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := c.Get(s, k)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestDecisionCache_AllowBoundedByGrantExpiry(t *testing.T) {
	c := NewDecisionCache(100, time.Hour)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	s := Subject{UserID: "u1", Role: RoleCustomAdmin}
	bounded := permission.MustParse("analytics:reports:read")
	open := permission.MustParse("analytics:exports:read")
	expiry := now.Add(time.Second)

	require.True(t, c.Put(s, bounded, Decision{
		Allowed:       true,
		MatchedSource: &MatchedSource{Kind: SourceGrant, Permission: bounded, ExpiresAt: &expiry},
	}, c.Generation("u1")))
	require.True(t, c.Put(s, open, Decision{
		Allowed:       true,
		MatchedSource: &MatchedSource{Kind: SourceGrant, Permission: open},
	}, c.Generation("u1")))

	_, ok := c.Get(s, bounded)
	require.True(t, ok)

	now = expiry
	_, ok = c.Get(s, bounded)
	assert.False(t, ok, "expiry boundary counts as expired")
	_, ok = c.Get(s, open)
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestDecisionCache_Purge(t *testing.T) {
	c := NewDecisionCache(100, time.Minute)
	s := Subject{UserID: "u1", Role: RoleArtist}
	k := permission.MustParse("a:b:c")

	gen := c.Generation("u1")
	c.Put(s, k, Decision{}, gen)
	c.Purge()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Put(s, k, Decision{}, gen))
}

func TestHierarchy_RanksAndDefaults(t *testing.T) {
	h := DefaultHierarchy()

	assert.True(t, h.AtLeast(RoleSuperAdmin, RoleDistributionPartner))
	assert.True(t, h.AtLeast(RoleCompanyAdmin, RoleLabelAdmin))
	assert.False(t, h.AtLeast(RoleArtist, RoleLabelAdmin))
	assert.False(t, h.AtLeast(RoleCustomAdmin, RoleArtist))
	assert.Equal(t, -1, h.Rank(Role("ghost")))

	assert.Len(t, h.Defaults(RoleArtist), len(ArtistPermissions))
	assert.Empty(t, h.Defaults(RoleCustomAdmin))
	require.Len(t, h.Defaults(RoleSuperAdmin), 1)
	assert.True(t, h.Defaults(RoleSuperAdmin)[0].IsUniversal())

	_, err := ParseRole("Label_Admin")
	assert.NoError(t, err)
	_, err = ParseRole("owner")
	assert.ErrorIs(t, err, ErrInvalidRole)
}
