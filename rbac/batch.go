package rbac

import (
	"context"

	"github.com/google/uuid"
)

type batchKey struct{}

// batchState collects the roles whose closure rebuild has been deferred. It
// is carried by the context of one logical unit of work and never shared
// across concurrent contexts, so no locking is needed.
type batchState struct {
	pending map[int64]struct{}
}

func batchFrom(ctx context.Context) *batchState {
	st, _ := ctx.Value(batchKey{}).(*batchState)
	return st
}

// WithBatch runs fn inside a batch window: closure rebuilds triggered by
// mutations made through the derived context are deferred and coalesced into
// one rebuild pass when the outermost window closes. Bulk graph manipulation
// gets one pass per affected role instead of one per mutation.
//
// Entering while a window is already open on ctx is a no-op that runs fn
// against the existing collection; only the outermost window flushes. The
// flush runs every pending rebuild inside a single store transaction. If fn
// returns an error the pending set is discarded unflushed, since the caller's
// enclosing transaction is expected to roll the mutations back.
//
// Closure-dependent reads (IsAncestorOf, VisibleRoles, permission queries)
// made inside an open window observe stale data for any role queued for
// rebuild. Callers must not rely on read-after-write consistency here.
func (s *Service) WithBatch(ctx context.Context, fn func(ctx context.Context) error) error {
	if batchFrom(ctx) != nil {
		return fn(ctx)
	}

	st := &batchState{pending: make(map[int64]struct{})}
	if err := fn(context.WithValue(ctx, batchKey{}, st)); err != nil {
		return err
	}
	if len(st.pending) == 0 {
		return nil
	}

	seeds := make([]int64, 0, len(st.pending))
	for id := range st.pending {
		seeds = append(seeds, id)
	}
	s.logger.Debug("flushing deferred role rebuilds",
		"batch", uuid.NewString(),
		"roles", len(seeds),
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		// Refetch: a role queued and then deleted inside the window must not
		// be resurrected by the rebuild.
		roles, err := tx.RolesByID(ctx, seeds)
		if err != nil {
			return err
		}
		alive := make([]int64, 0, len(roles))
		for _, r := range roles {
			alive = append(alive, r.ID)
		}
		return rebuildAncestors(ctx, tx, alive)
	})
	clear(st.pending)
	return err
}

// rebuildOrDefer is the single entry point for closure maintenance after a
// mutation: inside a batch window the role is queued, otherwise it is rebuilt
// immediately through the given store (typically the transaction the mutation
// ran in).
func rebuildOrDefer(ctx context.Context, s Store, roleID int64) error {
	if st := batchFrom(ctx); st != nil {
		st.pending[roleID] = struct{}{}
		return nil
	}
	return rebuildAncestors(ctx, s, []int64{roleID})
}
