package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rolegraph/rolegraph/rbac"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method works identically inside and outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides PostgreSQL backed persistence for the RBAC engine.
type Store struct {
	pool *pgxpool.Pool // nil for the transaction-scoped view
	db   querier
}

// NewStore constructs a store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Atomic runs fn against a transaction-scoped store at RepeatableRead. A
// nested call joins the enclosing transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, st rbac.Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &Store{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) CreateRole(ctx context.Context, rec rbac.CreateRoleRecord) (rbac.Role, error) {
	var singleton *string
	if rec.SingletonName != "" {
		singleton = &rec.SingletonName
	}
	var kind *string
	var resourceID *int64
	if rec.Resource != nil {
		kind = &rec.Resource.Kind
		resourceID = &rec.Resource.ID
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO rbac_roles (name, singleton_name, resource_kind, resource_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, singleton_name, resource_kind, resource_id, created_at, updated_at`,
		rec.Name, singleton, kind, resourceID)
	return scanRole(row)
}

func (s *Store) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, singleton_name, resource_kind, resource_id, created_at, updated_at
		FROM rbac_roles WHERE id = $1`, id)
	return scanRole(row)
}

func (s *Store) GetSingleton(ctx context.Context, name string) (rbac.Role, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, singleton_name, resource_kind, resource_id, created_at, updated_at
		FROM rbac_roles WHERE singleton_name = $1`, name)
	return scanRole(row)
}

func (s *Store) RolesByID(ctx context.Context, ids []int64) ([]rbac.Role, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, singleton_name, resource_kind, resource_id, created_at, updated_at
		FROM rbac_roles WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var roles []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// DeleteRole removes a role; grants, edges, closure rows and memberships go
// with it through the ON DELETE CASCADE constraints.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM rbac_roles WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) CountRoles(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM rbac_roles`).Scan(&n); err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func (s *Store) AddParent(ctx context.Context, roleID, parentID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rbac_role_parents (role_id, parent_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, parentID)
	return mapErr(err)
}

func (s *Store) RemoveParent(ctx context.Context, roleID, parentID int64) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM rbac_role_parents WHERE role_id = $1 AND parent_id = $2`, roleID, parentID)
	return mapErr(err)
}

func (s *Store) Parents(ctx context.Context, roleID int64) ([]int64, error) {
	return s.idList(ctx, `SELECT parent_id FROM rbac_role_parents WHERE role_id = $1`, roleID)
}

func (s *Store) Children(ctx context.Context, roleID int64) ([]int64, error) {
	return s.idList(ctx, `SELECT role_id FROM rbac_role_parents WHERE parent_id = $1`, roleID)
}

func (s *Store) Ancestors(ctx context.Context, roleID int64) ([]int64, error) {
	return s.idList(ctx, `SELECT ancestor_id FROM rbac_role_ancestors WHERE role_id = $1`, roleID)
}

func (s *Store) Descendants(ctx context.Context, roleID int64) ([]int64, error) {
	return s.idList(ctx, `SELECT role_id FROM rbac_role_ancestors WHERE ancestor_id = $1`, roleID)
}

func (s *Store) AddAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rbac_role_ancestors (role_id, ancestor_id)
		SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`, roleID, ancestorIDs)
	return mapErr(err)
}

func (s *Store) RemoveAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM rbac_role_ancestors
		WHERE role_id = $1 AND ancestor_id = ANY($2)`, roleID, ancestorIDs)
	return mapErr(err)
}

func (s *Store) IsAncestor(ctx context.Context, ancestorID, roleID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rbac_role_ancestors WHERE role_id = $1 AND ancestor_id = $2
		)`, roleID, ancestorID).Scan(&exists)
	if err != nil {
		return false, mapErr(err)
	}
	return exists, nil
}

func (s *Store) AddMember(ctx context.Context, roleID, userID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rbac_role_members (role_id, user_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, userID)
	return mapErr(err)
}

func (s *Store) RemoveMember(ctx context.Context, roleID, userID int64) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM rbac_role_members WHERE role_id = $1 AND user_id = $2`, roleID, userID)
	return mapErr(err)
}

func (s *Store) RolesOfMember(ctx context.Context, userID int64) ([]int64, error) {
	return s.idList(ctx, `SELECT role_id FROM rbac_role_members WHERE user_id = $1`, userID)
}

func (s *Store) RolesBoundTo(ctx context.Context, ref rbac.ResourceRef) ([]int64, error) {
	return s.idList(ctx, `
		SELECT id FROM rbac_roles WHERE resource_kind = $1 AND resource_id = $2`, ref.Kind, ref.ID)
}

func (s *Store) CreateGrant(ctx context.Context, g rbac.Grant) (rbac.Grant, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO rbac_permissions (
			role_id, resource_kind, resource_id, auto_generated,
			"create", "read", "update", "delete", "write", "execute", "use", scm_update
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, role_id, resource_kind, resource_id, auto_generated,
			"create", "read", "update", "delete", "write", "execute", "use", scm_update,
			created_at, updated_at`,
		g.RoleID, g.Resource.Kind, g.Resource.ID, g.AutoGenerated,
		g.Permissions.Create, g.Permissions.Read, g.Permissions.Update, g.Permissions.Delete,
		g.Permissions.Write, g.Permissions.Execute, g.Permissions.Use, g.Permissions.SCMUpdate)
	return scanGrant(row)
}

func (s *Store) UpdateGrant(ctx context.Context, g rbac.Grant) (rbac.Grant, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE rbac_permissions SET
			auto_generated = $2,
			"create" = $3, "read" = $4, "update" = $5, "delete" = $6,
			"write" = $7, "execute" = $8, "use" = $9, scm_update = $10,
			updated_at = now()
		WHERE id = $1
		RETURNING id, role_id, resource_kind, resource_id, auto_generated,
			"create", "read", "update", "delete", "write", "execute", "use", scm_update,
			created_at, updated_at`,
		g.ID, g.AutoGenerated,
		g.Permissions.Create, g.Permissions.Read, g.Permissions.Update, g.Permissions.Delete,
		g.Permissions.Write, g.Permissions.Execute, g.Permissions.Use, g.Permissions.SCMUpdate)
	return scanGrant(row)
}

func (s *Store) GetGrant(ctx context.Context, id int64) (rbac.Grant, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, role_id, resource_kind, resource_id, auto_generated,
			"create", "read", "update", "delete", "write", "execute", "use", scm_update,
			created_at, updated_at
		FROM rbac_permissions WHERE id = $1`, id)
	return scanGrant(row)
}

func (s *Store) DeleteGrant(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM rbac_permissions WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) GrantsForResource(ctx context.Context, ref rbac.ResourceRef) ([]rbac.Grant, error) {
	return s.grantList(ctx, `
		SELECT id, role_id, resource_kind, resource_id, auto_generated,
			"create", "read", "update", "delete", "write", "execute", "use", scm_update,
			created_at, updated_at
		FROM rbac_permissions WHERE resource_kind = $1 AND resource_id = $2`, ref.Kind, ref.ID)
}

func (s *Store) GrantsOfRole(ctx context.Context, roleID int64) ([]rbac.Grant, error) {
	return s.grantList(ctx, `
		SELECT id, role_id, resource_kind, resource_id, auto_generated,
			"create", "read", "update", "delete", "write", "execute", "use", scm_update,
			created_at, updated_at
		FROM rbac_permissions WHERE role_id = $1`, roleID)
}

// AggregatePermissions implements rbac.PermissionAggregator: one SQL
// aggregate over the applicable grant rows. Row absence is probed through
// max("read"), so a resource with no applicable grants comes back nil.
func (s *Store) AggregatePermissions(ctx context.Context, roleIDs []int64, ref rbac.ResourceRef) (*rbac.PermissionSet, error) {
	var create, read, update, del, write, execute, use, scmUpdate *int
	err := s.db.QueryRow(ctx, `
		SELECT max("create"), max("read"), max("update"), max("delete"),
			max("write"), max("execute"), max("use"), max(scm_update)
		FROM rbac_permissions
		WHERE resource_kind = $1 AND resource_id = $2 AND role_id = ANY($3)`,
		ref.Kind, ref.ID, roleIDs,
	).Scan(&create, &read, &update, &del, &write, &execute, &use, &scmUpdate)
	if err != nil {
		return nil, mapErr(err)
	}
	if read == nil {
		return nil, nil
	}
	return &rbac.PermissionSet{
		Create:    deref(create),
		Read:      deref(read),
		Update:    deref(update),
		Delete:    deref(del),
		Write:     deref(write),
		Execute:   deref(execute),
		Use:       deref(use),
		SCMUpdate: deref(scmUpdate),
	}, nil
}

func (s *Store) idList(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) grantList(ctx context.Context, sql string, args ...any) ([]rbac.Grant, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var grants []rbac.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func scanRole(row pgx.Row) (rbac.Role, error) {
	var role rbac.Role
	var singleton, kind *string
	var resourceID *int64
	err := row.Scan(&role.ID, &role.Name, &singleton, &kind, &resourceID,
		&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return rbac.Role{}, mapErr(err)
	}
	if singleton != nil {
		role.SingletonName = *singleton
	}
	if kind != nil && resourceID != nil {
		role.Resource = &rbac.ResourceRef{Kind: *kind, ID: *resourceID}
	}
	return role, nil
}

func scanGrant(row pgx.Row) (rbac.Grant, error) {
	var g rbac.Grant
	err := row.Scan(&g.ID, &g.RoleID, &g.Resource.Kind, &g.Resource.ID, &g.AutoGenerated,
		&g.Permissions.Create, &g.Permissions.Read, &g.Permissions.Update, &g.Permissions.Delete,
		&g.Permissions.Write, &g.Permissions.Execute, &g.Permissions.Use, &g.Permissions.SCMUpdate,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return rbac.Grant{}, mapErr(err)
	}
	return g, nil
}

// mapErr translates driver errors into the package's typed errors: missing
// rows to ErrNotFound, unique violations to ErrConstraint, and foreign-key
// violations (an edge or grant referencing a missing role) to ErrNotFound.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, rbac.ErrConstraint)
		case "23503":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, rbac.ErrNotFound)
		}
	}
	return err
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
