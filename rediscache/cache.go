// Package rediscache decorates an rbac.Store with a read-through Redis cache
// for materialized ancestor sets. Permission queries hit Ancestors once per
// held role; for read-heavy hosts that lookup dominates, and the set only
// changes when the role graph does.
//
// Invalidation is deletion-based: every closure write that flows through the
// wrapper drops the affected role's key. A concurrent reader can repopulate
// an entry from pre-commit data during a rebuild transaction, so entries
// carry a TTL that bounds that staleness window. Hosts that cannot tolerate
// it should use the store directly.
package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rolegraph/rolegraph/rbac"
)

// DefaultTTL bounds how long a repopulated-during-rebuild entry can live.
const DefaultTTL = 30 * time.Second

// Store wraps an rbac.Store, caching ancestor sets. All other operations
// pass through unchanged.
type Store struct {
	rbac.Store
	client *redis.Client
	ttl    time.Duration
}

// Wrap decorates inner with ancestor-set caching. A non-positive ttl falls
// back to DefaultTTL.
func Wrap(inner rbac.Store, client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{Store: inner, client: client, ttl: ttl}
}

// Atomic wraps the transaction-scoped store too, so invalidations issued by a
// closure rebuild inside the transaction are not lost.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, st rbac.Store) error) error {
	return s.Store.Atomic(ctx, func(ctx context.Context, tx rbac.Store) error {
		return fn(ctx, &Store{Store: tx, client: s.client, ttl: s.ttl})
	})
}

// Ancestors returns the cached closure for roleID, falling back to the inner
// store on a miss or any cache failure. Cache failures are soft: the store
// answer always wins.
func (s *Store) Ancestors(ctx context.Context, roleID int64) ([]int64, error) {
	key := ancestorKey(roleID)
	if val, err := s.client.Get(ctx, key).Result(); err == nil {
		return decodeIDs(val), nil
	}
	ids, err := s.Store.Ancestors(ctx, roleID)
	if err != nil {
		return nil, err
	}
	s.client.Set(ctx, key, encodeIDs(ids), s.ttl)
	return ids, nil
}

// IsAncestor answers from the cached set so repeated membership probes for
// the same role cost one store read.
func (s *Store) IsAncestor(ctx context.Context, ancestorID, roleID int64) (bool, error) {
	ids, err := s.Ancestors(ctx, roleID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AddAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	if err := s.Store.AddAncestors(ctx, roleID, ancestorIDs); err != nil {
		return err
	}
	s.client.Del(ctx, ancestorKey(roleID))
	return nil
}

func (s *Store) RemoveAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	if err := s.Store.RemoveAncestors(ctx, roleID, ancestorIDs); err != nil {
		return err
	}
	s.client.Del(ctx, ancestorKey(roleID))
	return nil
}

// DeleteRole drops the deleted role's own entry. Entries of its former
// descendants are invalidated by the closure repair that follows the delete,
// whose writes flow back through AddAncestors/RemoveAncestors.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	if err := s.Store.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.client.Del(ctx, ancestorKey(id))
	return nil
}

func ancestorKey(roleID int64) string {
	return fmt.Sprintf("rbac:ancestors:%d", roleID)
}

func encodeIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func decodeIDs(val string) []int64 {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
