package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rolegraph/rolegraph/rbac"
)

// newTestStore connects to the database named by RBAC_PG_TEST_DSN, applies
// the schema and starts from empty tables. Without the variable the
// integration tests are skipped.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RBAC_PG_TEST_DSN")
	if dsn == "" {
		t.Skip("RBAC_PG_TEST_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, &Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE rbac_roles RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return NewStore(pool)
}

func TestPostgresClosureRoundTrip(t *testing.T) {
	store := newTestStore(t)
	svc := rbac.NewService(store, nil)
	ctx := context.Background()

	org, err := svc.CreateRole(ctx, rbac.CreateRoleParams{Name: "org"})
	require.NoError(t, err)
	team, err := svc.CreateRole(ctx, rbac.CreateRoleParams{Name: "team", Parents: []int64{org.ID}})
	require.NoError(t, err)
	proj, err := svc.CreateRole(ctx, rbac.CreateRoleParams{Name: "project", Parents: []int64{team.ID}})
	require.NoError(t, err)

	anc, err := store.Ancestors(ctx, proj.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{org.ID, team.ID, proj.ID}, anc)

	require.NoError(t, svc.RemoveParent(ctx, team.ID, org.ID))
	anc, err = store.Ancestors(ctx, proj.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{team.ID, proj.ID}, anc)

	require.ErrorIs(t, svc.AddParent(ctx, team.ID, proj.ID), rbac.ErrCycle)
}

func TestPostgresSingletonUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRole(ctx, rbac.CreateRoleRecord{
		Name: "admins", SingletonName: rbac.SingletonSystemAdministrator,
	})
	require.NoError(t, err)

	_, err = store.CreateRole(ctx, rbac.CreateRoleRecord{
		Name: "dupes", SingletonName: rbac.SingletonSystemAdministrator,
	})
	require.ErrorIs(t, err, rbac.ErrConstraint)

	role, err := store.GetSingleton(ctx, rbac.SingletonSystemAdministrator)
	require.NoError(t, err)
	require.Equal(t, "admins", role.Name)

	_, err = store.GetSingleton(ctx, rbac.SingletonSystemAuditor)
	require.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestPostgresGrantAggregation(t *testing.T) {
	store := newTestStore(t)
	svc := rbac.NewService(store, nil)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "project", ID: 42}

	parent, err := svc.CreateRole(ctx, rbac.CreateRoleParams{Name: "parent"})
	require.NoError(t, err)
	child, err := svc.CreateRole(ctx, rbac.CreateRoleParams{Name: "child", Parents: []int64{parent.ID}})
	require.NoError(t, err)

	_, err = svc.CreateGrant(ctx, rbac.Grant{
		RoleID: parent.ID, Resource: resource,
		Permissions: rbac.PermissionSet{Read: 1, Write: 1},
	})
	require.NoError(t, err)
	_, err = svc.CreateGrant(ctx, rbac.Grant{
		RoleID: child.ID, Resource: resource, AutoGenerated: true,
		Permissions: rbac.PermissionSet{Read: 1, SCMUpdate: 2},
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, child.ID, 7))

	// Goes through AggregatePermissions, the SQL fast path.
	got, err := svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 7}, resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1, Write: 1, SCMUpdate: 2}, got)

	got, err = svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 8}, resource)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPostgresDeleteRoleCascades(t *testing.T) {
	store := newTestStore(t)
	svc := rbac.NewService(store, nil)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "project", ID: 9}

	role, err := svc.CreateRole(ctx, rbac.CreateRoleParams{Name: "doomed"})
	require.NoError(t, err)
	grant, err := svc.CreateGrant(ctx, rbac.Grant{
		RoleID: role.ID, Resource: resource, Permissions: rbac.AllPermissions,
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, role.ID, 3))

	require.NoError(t, svc.DeleteRole(ctx, role.ID))

	_, err = store.GetGrant(ctx, grant.ID)
	require.ErrorIs(t, err, rbac.ErrNotFound)
	roles, err := store.RolesOfMember(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, roles)
}
