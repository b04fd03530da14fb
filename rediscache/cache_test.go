package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rolegraph/rolegraph/rbac"
)

func newCachedService(t *testing.T) (*rbac.Service, *Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := Wrap(rbac.NewMemoryStore(), client, time.Minute)
	return rbac.NewService(store, nil), store, mr
}

func createRole(t *testing.T, svc *rbac.Service, name string, parents ...int64) rbac.Role {
	t.Helper()
	role, err := svc.CreateRole(context.Background(), rbac.CreateRoleParams{Name: name, Parents: parents})
	require.NoError(t, err)
	return role
}

func TestAncestorsServedFromCache(t *testing.T) {
	svc, store, mr := newCachedService(t)
	ctx := context.Background()

	org := createRole(t, svc, "org")
	team := createRole(t, svc, "team", org.ID)

	anc, err := store.Ancestors(ctx, team.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{org.ID, team.ID}, anc)
	require.True(t, mr.Exists(ancestorKey(team.ID)))

	// Second read comes from the cached entry and matches.
	again, err := store.Ancestors(ctx, team.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, anc, again)
}

func TestEdgeMutationInvalidatesEntry(t *testing.T) {
	svc, store, mr := newCachedService(t)
	ctx := context.Background()

	org := createRole(t, svc, "org")
	team := createRole(t, svc, "team")

	// Prime the entry while the closure is just {team}.
	anc, err := store.Ancestors(ctx, team.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{team.ID}, anc)

	require.NoError(t, svc.AddParent(ctx, team.ID, org.ID))
	require.False(t, mr.Exists(ancestorKey(team.ID)))

	anc, err = store.Ancestors(ctx, team.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{org.ID, team.ID}, anc)
}

func TestPermissionQueriesStayCorrectThroughCache(t *testing.T) {
	svc, _, _ := newCachedService(t)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "project", ID: 1}

	parent := createRole(t, svc, "parent")
	child := createRole(t, svc, "child", parent.ID)
	require.NoError(t, svc.AddMember(ctx, child.ID, 1))

	_, err := svc.CreateGrant(ctx, rbac.Grant{
		RoleID: parent.ID, Resource: resource,
		Permissions: rbac.PermissionSet{Read: 1},
	})
	require.NoError(t, err)

	got, err := svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 1}, resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1}, got)

	// Detach and re-query: the invalidation must not leave the old closure
	// behind.
	require.NoError(t, svc.RemoveParent(ctx, child.ID, parent.ID))
	got, err = svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 1}, resource)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCacheFailureFallsBackToStore(t *testing.T) {
	svc, store, mr := newCachedService(t)
	ctx := context.Background()

	org := createRole(t, svc, "org")
	team := createRole(t, svc, "team", org.ID)

	mr.Close()

	anc, err := store.Ancestors(ctx, team.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{org.ID, team.ID}, anc)
}

func TestIsAncestorThroughCache(t *testing.T) {
	svc, store, _ := newCachedService(t)
	ctx := context.Background()

	org := createRole(t, svc, "org")
	team := createRole(t, svc, "team", org.ID)
	other := createRole(t, svc, "other")

	ok, err := store.IsAncestor(ctx, org.ID, team.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.IsAncestor(ctx, other.ID, team.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require.Nil(t, decodeIDs(encodeIDs(nil)))
	require.Equal(t, []int64{1, 42, 7}, decodeIDs(encodeIDs([]int64{1, 42, 7})))
}
