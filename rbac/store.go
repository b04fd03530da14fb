package rbac

import "context"

// CreateRoleRecord carries the fields for a new role row. The ancestor
// closure of a freshly created role is empty until the service rebuilds it.
type CreateRoleRecord struct {
	Name          string
	SingletonName string
	Resource      *ResourceRef
}

// Store is the durable-store collaborator. Implementations back the role and
// grant tables plus their set-valued relations (parents, ancestors, members)
// and must enforce uniqueness of non-empty singleton names.
//
// Missing rows surface as ErrNotFound and uniqueness failures as
// ErrConstraint, both matchable with errors.Is.
type Store interface {
	// Atomic runs fn against a transaction-scoped store. All writes made
	// through that store commit together or not at all. A nested Atomic joins
	// the enclosing transaction.
	Atomic(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	CreateRole(ctx context.Context, rec CreateRoleRecord) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetSingleton(ctx context.Context, name string) (Role, error)
	RolesByID(ctx context.Context, ids []int64) ([]Role, error)
	// DeleteRole removes the role and cascades: its grants, its edge rows in
	// both directions, its closure rows in both directions, and its members.
	DeleteRole(ctx context.Context, id int64) error
	CountRoles(ctx context.Context) (int64, error)

	AddParent(ctx context.Context, roleID, parentID int64) error
	RemoveParent(ctx context.Context, roleID, parentID int64) error
	Parents(ctx context.Context, roleID int64) ([]int64, error)
	Children(ctx context.Context, roleID int64) ([]int64, error)

	// Ancestors returns the materialized closure of roleID, self included.
	Ancestors(ctx context.Context, roleID int64) ([]int64, error)
	// Descendants is the inverse closure view: every role that has roleID in
	// its ancestor set, self included.
	Descendants(ctx context.Context, roleID int64) ([]int64, error)
	AddAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error
	RemoveAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error
	// IsAncestor reports whether ancestorID is in roleID's materialized
	// closure. Membership check only; it never walks the graph.
	IsAncestor(ctx context.Context, ancestorID, roleID int64) (bool, error)

	AddMember(ctx context.Context, roleID, userID int64) error
	RemoveMember(ctx context.Context, roleID, userID int64) error
	RolesOfMember(ctx context.Context, userID int64) ([]int64, error)
	RolesBoundTo(ctx context.Context, ref ResourceRef) ([]int64, error)

	CreateGrant(ctx context.Context, g Grant) (Grant, error)
	UpdateGrant(ctx context.Context, g Grant) (Grant, error)
	GetGrant(ctx context.Context, id int64) (Grant, error)
	DeleteGrant(ctx context.Context, id int64) error
	GrantsForResource(ctx context.Context, ref ResourceRef) ([]Grant, error)
	GrantsOfRole(ctx context.Context, roleID int64) ([]Grant, error)
}
