// Package rbac implements role-based access control over a directed acyclic
// role graph. Permissions are granted to roles against resources; a
// principal's effective permission on a resource is derived from a
// materialized ancestor closure that is maintained incrementally on every
// graph mutation, so queries never walk the graph.
package rbac

import "time"

// Well-known singleton role names, created on first lookup.
const (
	SingletonSystemAdministrator = "System Administrator"
	SingletonSystemAuditor       = "System Auditor"
)

// Role is a node in the authorization hierarchy. Parent edges are the source
// of truth; the ancestor closure is a cache rebuilt by the service whenever
// edges change.
type Role struct {
	ID            int64
	Name          string
	SingletonName string // non-empty only for well-known roles; unique when set
	Resource      *ResourceRef
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsSingleton reports whether the role carries a well-known label.
func (r Role) IsSingleton() bool {
	return r.SingletonName != ""
}

// ResourceRef identifies an object governed by the host system. The pair is
// opaque to this package; the host's resource registry assigns kinds.
type ResourceRef struct {
	Kind string
	ID   int64
}

// PermissionSet carries one integer per capability flag. Flags are stored as
// integers rather than booleans to leave room for weighting; zero means
// absent, any positive value means granted.
type PermissionSet struct {
	Create    int
	Read      int
	Update    int
	Delete    int
	Write     int
	Execute   int
	Use       int
	SCMUpdate int
}

// AllPermissions has every capability flag set.
var AllPermissions = PermissionSet{
	Create:    1,
	Read:      1,
	Update:    1,
	Delete:    1,
	Write:     1,
	Execute:   1,
	Use:       1,
	SCMUpdate: 1,
}

// merge folds o into p keeping the per-flag maximum. For 0/1 flags this is
// boolean OR across grants; weighted values above 1 pass through unchanged.
func (p *PermissionSet) merge(o PermissionSet) {
	p.Create = max(p.Create, o.Create)
	p.Read = max(p.Read, o.Read)
	p.Update = max(p.Update, o.Update)
	p.Delete = max(p.Delete, o.Delete)
	p.Write = max(p.Write, o.Write)
	p.Execute = max(p.Execute, o.Execute)
	p.Use = max(p.Use, o.Use)
	p.SCMUpdate = max(p.SCMUpdate, o.SCMUpdate)
}

// Grant binds one role to one resource with a set of capability flags.
// Multiple grants for the same (role, resource) pair may coexist and are
// combined at query time, never overwritten.
type Grant struct {
	ID            int64
	RoleID        int64
	Resource      ResourceRef
	AutoGenerated bool // created by object lifecycle rather than an administrator
	Permissions   PermissionSet
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Principal identifies an actor that can hold roles.
type Principal interface {
	isPrincipal()
}

// UserPrincipal is a directory user; its directly-held roles are the roles it
// is a member of.
type UserPrincipal struct {
	UserID int64
}

// ResourcePrincipal is a role-bound actor such as a team; its directly-held
// roles are the roles whose bound resource matches the reference.
type ResourcePrincipal ResourceRef

func (UserPrincipal) isPrincipal()     {}
func (ResourcePrincipal) isPrincipal() {}
