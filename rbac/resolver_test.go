package rbac_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rolegraph/rolegraph/rbac"
)

func TestPermissionsOfProjectAdminMember(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "project", ID: 42}
	const alice = int64(7)

	org := mustCreateRole(t, svc, "org")
	team := mustCreateRole(t, svc, "team", org.ID)
	admin := mustCreateRole(t, svc, "project-admin", team.ID)

	_, err := svc.CreateGrant(ctx, rbac.Grant{
		RoleID:   admin.ID,
		Resource: resource,
		Permissions: rbac.PermissionSet{
			Create: 1, Read: 1, Update: 1, Delete: 1,
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, admin.ID, alice))

	want := &rbac.PermissionSet{Create: 1, Read: 1, Update: 1, Delete: 1}

	got, err := svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: alice}, resource)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The grant sits on project-admin itself; the edges above it do not
	// govern it. Removing team→org changes nothing.
	require.NoError(t, svc.RemoveParent(ctx, team.ID, org.ID))
	got, err = svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: alice}, resource)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Neither does detaching project-admin from team: alice's grant is keyed
	// to the role she is a member of.
	require.NoError(t, svc.RemoveParent(ctx, admin.ID, team.ID))
	got, err = svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: alice}, resource)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPermissionsAggregateAcrossGrants(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "inventory", ID: 9}

	role := mustCreateRole(t, svc, "operator")
	require.NoError(t, svc.AddMember(ctx, role.ID, 1))

	// Two grants on the same role and resource with disjoint flags: the
	// result carries both, OR-style.
	_, err := svc.CreateGrant(ctx, rbac.Grant{
		RoleID: role.ID, Resource: resource,
		Permissions: rbac.PermissionSet{Read: 1},
	})
	require.NoError(t, err)
	_, err = svc.CreateGrant(ctx, rbac.Grant{
		RoleID: role.ID, Resource: resource, AutoGenerated: true,
		Permissions: rbac.PermissionSet{Write: 1},
	})
	require.NoError(t, err)

	got, err := svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 1}, resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1, Write: 1}, got)
}

func TestPermissionsInheritedThroughHierarchy(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "repo", ID: 3}

	admin := mustCreateRole(t, svc, "admin")
	auditor := mustCreateRole(t, svc, "auditor", admin.ID)

	_, err := svc.CreateGrant(ctx, rbac.Grant{
		RoleID: admin.ID, Resource: resource,
		Permissions: rbac.PermissionSet{Read: 1, SCMUpdate: 2},
	})
	require.NoError(t, err)
	_, err = svc.CreateGrant(ctx, rbac.Grant{
		RoleID: auditor.ID, Resource: resource,
		Permissions: rbac.PermissionSet{Read: 1},
	})
	require.NoError(t, err)

	// The child role sees its own grants plus everything granted above it;
	// weighted values survive the max aggregation unclamped.
	got, err := svc.PermissionsOfRole(ctx, auditor.ID, resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1, SCMUpdate: 2}, got)

	// The parent role does not see grants attached below it.
	got, err = svc.PermissionsOfRole(ctx, admin.ID, resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1, SCMUpdate: 2}, got)
}

func TestPermissionMonotonicUnderAddedParent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "repo", ID: 5}

	owner := mustCreateRole(t, svc, "owner")
	member := mustCreateRole(t, svc, "member")

	_, err := svc.CreateGrant(ctx, rbac.Grant{
		RoleID: member.ID, Resource: resource,
		Permissions: rbac.PermissionSet{Read: 1},
	})
	require.NoError(t, err)
	_, err = svc.CreateGrant(ctx, rbac.Grant{
		RoleID: owner.ID, Resource: resource,
		Permissions: rbac.PermissionSet{Write: 1, Delete: 1},
	})
	require.NoError(t, err)

	before, err := svc.PermissionsOfRole(ctx, member.ID, resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1}, before)

	require.NoError(t, svc.AddParent(ctx, member.ID, owner.ID))

	after, err := svc.PermissionsOfRole(ctx, member.ID, resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1, Write: 1, Delete: 1}, after)

	// Per-flag, the new result dominates the old one.
	require.GreaterOrEqual(t, after.Read, before.Read)
	require.GreaterOrEqual(t, after.Write, before.Write)
	require.GreaterOrEqual(t, after.Delete, before.Delete)
}

func TestNoGrantsYieldsAbsence(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	resource := rbac.ResourceRef{Kind: "project", ID: 1}

	role := mustCreateRole(t, svc, "bystander")
	require.NoError(t, svc.AddMember(ctx, role.ID, 2))

	// Roles held but nothing granted: absence, not an all-zero record.
	got, err := svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 2}, resource)
	require.NoError(t, err)
	require.Nil(t, got)

	// No roles held at all.
	got, err = svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 99}, resource)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGrantsOnOtherResourcesDoNotLeak(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "admin")
	require.NoError(t, svc.AddMember(ctx, role.ID, 1))
	_, err := svc.CreateGrant(ctx, rbac.Grant{
		RoleID:      role.ID,
		Resource:    rbac.ResourceRef{Kind: "project", ID: 1},
		Permissions: rbac.AllPermissions,
	})
	require.NoError(t, err)

	got, err := svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 1}, rbac.ResourceRef{Kind: "project", ID: 2})
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = svc.PermissionsOf(ctx, rbac.UserPrincipal{UserID: 1}, rbac.ResourceRef{Kind: "inventory", ID: 1})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestResourcePrincipalResolvesBoundRoles(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	teamRef := rbac.ResourceRef{Kind: "team", ID: 11}
	resource := rbac.ResourceRef{Kind: "project", ID: 4}

	teamRole, err := svc.CreateRole(ctx, rbac.CreateRoleParams{
		Name:     "member of team 11",
		Resource: &teamRef,
	})
	require.NoError(t, err)

	_, err = svc.CreateGrant(ctx, rbac.Grant{
		RoleID: teamRole.ID, Resource: resource, AutoGenerated: true,
		Permissions: rbac.PermissionSet{Read: 1, Use: 1},
	})
	require.NoError(t, err)

	got, err := svc.PermissionsOf(ctx, rbac.ResourcePrincipal(teamRef), resource)
	require.NoError(t, err)
	require.Equal(t, &rbac.PermissionSet{Read: 1, Use: 1}, got)
}

// aggStore proves the resolver prefers a store-side aggregate when one is
// offered.
type aggStore struct {
	rbac.Store
	called bool
}

func (a *aggStore) AggregatePermissions(ctx context.Context, roleIDs []int64, ref rbac.ResourceRef) (*rbac.PermissionSet, error) {
	a.called = true
	return &rbac.PermissionSet{Execute: 1}, nil
}

func TestResolverUsesStoreAggregateWhenAvailable(t *testing.T) {
	mem := rbac.NewMemoryStore()
	store := &aggStore{Store: mem}
	svc := rbac.NewService(store, nil)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, rbac.CreateRoleParams{Name: "runner"})
	require.NoError(t, err)

	got, err := svc.PermissionsOfRole(ctx, role.ID, rbac.ResourceRef{Kind: "job", ID: 1})
	require.NoError(t, err)
	require.True(t, store.called)
	require.Equal(t, &rbac.PermissionSet{Execute: 1}, got)
}
