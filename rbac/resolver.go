package rbac

import "context"

// PermissionsOf aggregates every grant on the resource held by the
// principal's directly-held roles or any role above them in the hierarchy.
// Each flag in the result is the maximum value granted for it across the
// applicable grants, which realizes OR for boolean-valued flags: read access
// granted through one role and write access through another yield a result
// with both set.
//
// A nil result means no applicable grant exists; callers must treat that as
// zero permissions, not as an error.
func (s *Service) PermissionsOf(ctx context.Context, p Principal, ref ResourceRef) (*PermissionSet, error) {
	held, err := s.heldRoles(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.aggregate(ctx, held, ref)
}

// PermissionsOfRole aggregates every grant on the resource held by the given
// role or any of its ancestors: what this role, and everything above it in
// authority, can do here. Same result conventions as PermissionsOf.
func (s *Service) PermissionsOfRole(ctx context.Context, roleID int64, ref ResourceRef) (*PermissionSet, error) {
	return s.aggregate(ctx, []int64{roleID}, ref)
}

// PermissionAggregator is an optional fast path a Store may implement: given
// the already-resolved set of applicable grant roles, compute the per-flag
// maxima in the store itself (one SQL aggregate) instead of fetching grant
// rows for the resolver to fold. Implementations must return nil when no
// grant matches.
type PermissionAggregator interface {
	AggregatePermissions(ctx context.Context, roleIDs []int64, ref ResourceRef) (*PermissionSet, error)
}

// aggregate folds the flags of every grant on ref whose role appears in the
// ancestor closure of any of the given roles. Ancestor sets include self, so
// directly-attached grants are always covered.
func (s *Service) aggregate(ctx context.Context, roleIDs []int64, ref ResourceRef) (*PermissionSet, error) {
	applicable := make(map[int64]struct{})
	for _, id := range roleIDs {
		anc, err := s.store.Ancestors(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, a := range anc {
			applicable[a] = struct{}{}
		}
	}
	if len(applicable) == 0 {
		return nil, nil
	}

	if agg, ok := s.store.(PermissionAggregator); ok {
		ids := make([]int64, 0, len(applicable))
		for id := range applicable {
			ids = append(ids, id)
		}
		return agg.AggregatePermissions(ctx, ids, ref)
	}

	grants, err := s.store.GrantsForResource(ctx, ref)
	if err != nil {
		return nil, err
	}
	var result *PermissionSet
	for _, g := range grants {
		if _, ok := applicable[g.RoleID]; !ok {
			continue
		}
		if result == nil {
			result = &PermissionSet{}
		}
		result.merge(g.Permissions)
	}
	return result, nil
}
