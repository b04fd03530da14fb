package rbac

import (
	"context"
	"fmt"
)

// rebuildAncestors restores the closure invariant
//
//	ancestors(R) = {R} ∪ ⋃ ancestors(parent)
//
// for every seed role and propagates to descendants. It is a worklist rather
// than a recursion so that deep hierarchies cannot exhaust the stack: each
// pass recomputes one role's target set from its parents' current closures,
// applies the symmetric difference to storage, and enqueues the role's direct
// children only when something actually changed. An unchanged role stops
// propagation, which makes redundant invocations cheap and lets an
// unsorted seed set converge by re-enqueueing.
//
// The visit budget guards against a cycle that slipped past the edge-time
// check through a stale batch window: a DAG settles well within (n+1)²
// visits, so exceeding it means the graph is no longer acyclic.
//
// Callers must run this inside a single Atomic so a failure midway never
// leaves a partially-propagated closure visible to readers.
func rebuildAncestors(ctx context.Context, s Store, seeds []int64) error {
	total, err := s.CountRoles(ctx)
	if err != nil {
		return err
	}
	budget := (total + 1) * (total + 1)

	queue := make([]int64, 0, len(seeds))
	seen := make(map[int64]struct{}, len(seeds))
	for _, id := range seeds {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, id)
	}

	var visits int64
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		visits++
		if visits > budget {
			return fmt.Errorf("rebuild of role %d exceeded %d visits: %w", id, budget, ErrCycle)
		}

		changed, err := rebuildOne(ctx, s, id)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		children, err := s.Children(ctx, id)
		if err != nil {
			return err
		}
		queue = append(queue, children...)
	}
	return nil
}

// rebuildOne recomputes a single role's closure from its parents and reports
// whether storage changed. Parents' closures are read as-is; if a parent is
// itself stale the worklist re-enqueues this role once the parent settles.
func rebuildOne(ctx context.Context, s Store, id int64) (bool, error) {
	parents, err := s.Parents(ctx, id)
	if err != nil {
		return false, err
	}
	target := map[int64]struct{}{id: {}}
	for _, p := range parents {
		anc, err := s.Ancestors(ctx, p)
		if err != nil {
			return false, err
		}
		for _, a := range anc {
			target[a] = struct{}{}
		}
	}

	stored, err := s.Ancestors(ctx, id)
	if err != nil {
		return false, err
	}
	current := make(map[int64]struct{}, len(stored))
	for _, a := range stored {
		current[a] = struct{}{}
	}

	var add, remove []int64
	for a := range target {
		if _, ok := current[a]; !ok {
			add = append(add, a)
		}
	}
	for a := range current {
		if _, ok := target[a]; !ok {
			remove = append(remove, a)
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return false, nil
	}

	if len(add) > 0 {
		if err := s.AddAncestors(ctx, id, add); err != nil {
			return false, err
		}
	}
	if len(remove) > 0 {
		if err := s.RemoveAncestors(ctx, id, remove); err != nil {
			return false, err
		}
	}
	return true, nil
}
