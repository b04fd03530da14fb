package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are idempotent DDL statements applied in order. The flag columns
// keep the capability names as-is (quoted where they collide with keywords)
// so that grant rows read naturally in ad-hoc queries.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rbac_roles (
		id             BIGSERIAL PRIMARY KEY,
		name           TEXT NOT NULL,
		singleton_name TEXT UNIQUE,
		resource_kind  TEXT,
		resource_id    BIGINT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rbac_roles_resource
		ON rbac_roles (resource_kind, resource_id)
		WHERE resource_kind IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS rbac_role_parents (
		role_id   BIGINT NOT NULL REFERENCES rbac_roles (id) ON DELETE CASCADE,
		parent_id BIGINT NOT NULL REFERENCES rbac_roles (id) ON DELETE CASCADE,
		PRIMARY KEY (role_id, parent_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rbac_role_parents_parent
		ON rbac_role_parents (parent_id)`,
	`CREATE TABLE IF NOT EXISTS rbac_role_ancestors (
		role_id     BIGINT NOT NULL REFERENCES rbac_roles (id) ON DELETE CASCADE,
		ancestor_id BIGINT NOT NULL REFERENCES rbac_roles (id) ON DELETE CASCADE,
		PRIMARY KEY (role_id, ancestor_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rbac_role_ancestors_ancestor
		ON rbac_role_ancestors (ancestor_id)`,
	`CREATE TABLE IF NOT EXISTS rbac_role_members (
		role_id BIGINT NOT NULL REFERENCES rbac_roles (id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		PRIMARY KEY (role_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rbac_role_members_user
		ON rbac_role_members (user_id)`,
	`CREATE TABLE IF NOT EXISTS rbac_permissions (
		id             BIGSERIAL PRIMARY KEY,
		role_id        BIGINT NOT NULL REFERENCES rbac_roles (id) ON DELETE CASCADE,
		resource_kind  TEXT NOT NULL,
		resource_id    BIGINT NOT NULL,
		auto_generated BOOLEAN NOT NULL DEFAULT FALSE,
		"create"       INTEGER NOT NULL DEFAULT 0,
		"read"         INTEGER NOT NULL DEFAULT 0,
		"update"       INTEGER NOT NULL DEFAULT 0,
		"delete"       INTEGER NOT NULL DEFAULT 0,
		"write"        INTEGER NOT NULL DEFAULT 0,
		"execute"      INTEGER NOT NULL DEFAULT 0,
		"use"          INTEGER NOT NULL DEFAULT 0,
		scm_update     INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rbac_permissions_resource
		ON rbac_permissions (resource_kind, resource_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rbac_permissions_role
		ON rbac_permissions (role_id)`,
}

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return nil
}
