package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Service orchestrates graph mutations and keeps the ancestor closure
// consistent. It is a synchronous library facade: every mutating call blocks
// for the duration of its store transaction, and the service adds no locking
// of its own beyond what the store's transaction isolation provides.
type Service struct {
	store      Store
	logger     *slog.Logger
	singletons singleflight.Group
}

// NewService constructs a Service over the given store. A nil logger falls
// back to slog.Default().
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateRoleParams carries the inputs for CreateRole.
type CreateRoleParams struct {
	Name          string
	Parents       []int64
	Resource      *ResourceRef
	SingletonName string
}

// CreateRole creates a role, attaches its parent edges and brings its
// ancestor closure up to date (or queues it, inside a batch window), all in
// one transaction.
func (s *Service) CreateRole(ctx context.Context, p CreateRoleParams) (Role, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Role{}, errors.New("rbac: role name required")
	}

	var role Role
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		var err error
		role, err = tx.CreateRole(ctx, CreateRoleRecord{
			Name:          p.Name,
			SingletonName: strings.TrimSpace(p.SingletonName),
			Resource:      p.Resource,
		})
		if err != nil {
			return err
		}
		for _, parentID := range p.Parents {
			if _, err := tx.GetRole(ctx, parentID); err != nil {
				return fmt.Errorf("parent role %d: %w", parentID, err)
			}
			if err := tx.AddParent(ctx, role.ID, parentID); err != nil {
				return err
			}
		}
		return rebuildOrDefer(ctx, tx, role.ID)
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// Singleton returns the unique role carrying the given well-known label,
// creating it on first use. Concurrent first lookups in this process collapse
// into one create; a lost race against another process surfaces as a
// uniqueness violation and is resolved by re-reading.
func (s *Service) Singleton(ctx context.Context, name string) (Role, error) {
	v, err, _ := s.singletons.Do(name, func() (any, error) {
		role, err := s.store.GetSingleton(ctx, name)
		if err == nil {
			return role, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Role{}, err
		}
		role, err = s.CreateRole(ctx, CreateRoleParams{Name: name, SingletonName: name})
		if errors.Is(err, ErrConstraint) {
			return s.store.GetSingleton(ctx, name)
		}
		return role, err
	})
	if err != nil {
		return Role{}, err
	}
	return v.(Role), nil
}

// GetRole fetches a role by id.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// AddParent adds a parent edge and restores the closure invariant for the
// child and its descendants. Edges that would close a cycle are rejected with
// ErrCycle; the check reads the materialized closure, so inside an open batch
// window it is best-effort (the rebuild's visit budget backstops it).
func (s *Service) AddParent(ctx context.Context, roleID, parentID int64) error {
	if roleID == parentID {
		return fmt.Errorf("role %d cannot be its own parent: %w", roleID, ErrCycle)
	}
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return fmt.Errorf("role %d: %w", roleID, err)
	}
	if _, err := s.store.GetRole(ctx, parentID); err != nil {
		return fmt.Errorf("parent role %d: %w", parentID, err)
	}
	above, err := s.store.IsAncestor(ctx, roleID, parentID)
	if err != nil {
		return err
	}
	if above {
		return fmt.Errorf("role %d is already an ancestor of %d: %w", roleID, parentID, ErrCycle)
	}
	return s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.AddParent(ctx, roleID, parentID); err != nil {
			return err
		}
		return rebuildOrDefer(ctx, tx, roleID)
	})
}

// RemoveParent removes a parent edge and restores the closure invariant for
// the child and its descendants.
func (s *Service) RemoveParent(ctx context.Context, roleID, parentID int64) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return fmt.Errorf("role %d: %w", roleID, err)
	}
	return s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.RemoveParent(ctx, roleID, parentID); err != nil {
			return err
		}
		return rebuildOrDefer(ctx, tx, roleID)
	})
}

// DeleteRole removes a role, cascading its grants, edges, closure rows and
// memberships, then repairs the closure of every former child.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	return s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		children, err := tx.Children(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return err
		}
		if st := batchFrom(ctx); st != nil {
			for _, child := range children {
				st.pending[child] = struct{}{}
			}
			return nil
		}
		return rebuildAncestors(ctx, tx, children)
	})
}

// AddMember assigns a user directly to a role. Membership does not affect the
// closure.
func (s *Service) AddMember(ctx context.Context, roleID, userID int64) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return fmt.Errorf("role %d: %w", roleID, err)
	}
	return s.store.AddMember(ctx, roleID, userID)
}

// RemoveMember removes a user's direct assignment to a role.
func (s *Service) RemoveMember(ctx context.Context, roleID, userID int64) error {
	return s.store.RemoveMember(ctx, roleID, userID)
}

// IsAncestorOf reports whether role a is in role b's ancestor closure. Every
// role is an ancestor of itself.
func (s *Service) IsAncestorOf(ctx context.Context, a, b int64) (bool, error) {
	return s.store.IsAncestor(ctx, a, b)
}

// VisibleRoles returns every role that is an ancestor or a descendant of a
// role the principal directly holds, ordered by id. This scopes what a caller
// may see or manage; it is not itself an authorization decision.
func (s *Service) VisibleRoles(ctx context.Context, p Principal) ([]Role, error) {
	held, err := s.heldRoles(ctx, p)
	if err != nil {
		return nil, err
	}
	visible := make(map[int64]struct{})
	for _, id := range held {
		anc, err := s.store.Ancestors(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, a := range anc {
			visible[a] = struct{}{}
		}
		desc, err := s.store.Descendants(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, d := range desc {
			visible[d] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(visible))
	for id := range visible {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return s.store.RolesByID(ctx, ids)
}

// CreateGrant records a permission grant binding a role to a resource.
func (s *Service) CreateGrant(ctx context.Context, g Grant) (Grant, error) {
	if _, err := s.store.GetRole(ctx, g.RoleID); err != nil {
		return Grant{}, fmt.Errorf("role %d: %w", g.RoleID, err)
	}
	g.ID = 0
	return s.store.CreateGrant(ctx, g)
}

// UpdateGrant replaces an existing grant's flags and auto-generated marker.
func (s *Service) UpdateGrant(ctx context.Context, g Grant) (Grant, error) {
	return s.store.UpdateGrant(ctx, g)
}

// DeleteGrant removes a grant by id.
func (s *Service) DeleteGrant(ctx context.Context, id int64) error {
	return s.store.DeleteGrant(ctx, id)
}

// GrantsOfRole lists the grants bound directly to a role.
func (s *Service) GrantsOfRole(ctx context.Context, roleID int64) ([]Grant, error) {
	return s.store.GrantsOfRole(ctx, roleID)
}

func (s *Service) heldRoles(ctx context.Context, p Principal) ([]int64, error) {
	switch p := p.(type) {
	case UserPrincipal:
		return s.store.RolesOfMember(ctx, p.UserID)
	case ResourcePrincipal:
		return s.store.RolesBoundTo(ctx, ResourceRef(p))
	default:
		return nil, fmt.Errorf("rbac: unsupported principal type %T", p)
	}
}
