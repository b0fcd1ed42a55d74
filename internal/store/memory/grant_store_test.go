package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/permission"
)

// TestPurpose: Validates upsert semantics on (user, permission).
// Scope: Unit Test
// Expected: A second upsert for the same key replaces expiry and keeps the original grant ID.
// Test Case ID: MEM-01
func TestGrantStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewGrantStore()
	k := permission.MustParse("analytics:reports:read")

	first, err := s.UpsertGrant(ctx, &authz.Grant{ID: "g1", UserID: "u1", Permission: k, GrantedAt: time.Now()})
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	second, err := s.UpsertGrant(ctx, &authz.Grant{ID: "g2", UserID: "u1", Permission: k, GrantedAt: time.Now(), ExpiresAt: &exp})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	grants, err := s.ListGrants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.NotNil(t, grants[0].ExpiresAt)
	assert.True(t, grants[0].ExpiresAt.Equal(exp))
}

func TestGrantStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewGrantStore()
	_, err := s.UpsertGrant(ctx, &authz.Grant{ID: "g1", UserID: "u1", Permission: permission.MustParse("a:b:c")})
	require.NoError(t, err)

	grants, _ := s.ListGrants(ctx, "u1")
	grants[0].UserID = "mutated"

	again, _ := s.ListGrants(ctx, "u1")
	assert.Equal(t, "u1", again[0].UserID)
}

func TestGrantStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewGrantStore()
	k := permission.MustParse("a:b:c")
	_, _ = s.UpsertGrant(ctx, &authz.Grant{ID: "g1", UserID: "u1", Permission: k})
	_, _ = s.UpsertGrant(ctx, &authz.Grant{ID: "g2", UserID: "u1", Permission: permission.MustParse("a:b:d")})

	require.NoError(t, s.DeleteGrant(ctx, "u1", k))
	assert.ErrorIs(t, s.DeleteGrant(ctx, "u1", k), authz.ErrGrantNotFound)

	require.NoError(t, s.DeleteGrants(ctx, "u1"))
	grants, _ := s.ListGrants(ctx, "u1")
	assert.Empty(t, grants)
}

func TestGrantStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := NewGrantStore()
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	_, _ = s.UpsertGrant(ctx, &authz.Grant{ID: "g1", UserID: "u1", Permission: permission.MustParse("a:b:c"), ExpiresAt: &old})
	_, _ = s.UpsertGrant(ctx, &authz.Grant{ID: "g2", UserID: "u1", Permission: permission.MustParse("a:b:d"), ExpiresAt: &recent})
	_, _ = s.UpsertGrant(ctx, &authz.Grant{ID: "g3", UserID: "u2", Permission: permission.MustParse("a:b:c")})

	n, err := s.PurgeExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	grants, _ := s.ListGrants(ctx, "u1")
	assert.Len(t, grants, 1)
}

func TestGrantStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGrantStore().ListGrants(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGrantStore_RoleDefaults(t *testing.T) {
	s := NewGrantStore()
	s.SetRoleDefaults(authz.RoleArtist, []permission.Key{permission.MustParse("community:forum:post")})

	keys, err := s.ListRoleDefaults(context.Background(), authz.RoleArtist)
	require.NoError(t, err)
	assert.Equal(t, []permission.Key{permission.MustParse("community:forum:post")}, keys)
}
