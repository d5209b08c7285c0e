package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository on Postgres.
type PGRepository struct {
	q  querier
	tx db.TxBeginner
}

// NewPGRepository constructs a repository backed by pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{q: pool, tx: pool}
}

func (r *PGRepository) UpsertGroup(ctx context.Context, group Group) (Group, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO groups (name, name_key, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (name_key) DO UPDATE
		SET name = EXCLUDED.name,
		    description = COALESCE(NULLIF(EXCLUDED.description, ''), groups.description),
		    updated_at = NOW()
		RETURNING id, name, description, created_at`,
		group.Name, NameKey(group.Name), group.Description,
	).Scan(&group.ID, &group.Name, &group.Description, &group.CreatedAt)
	if err != nil {
		return Group{}, storeErr("upsert group", err)
	}
	return group, nil
}

func (r *PGRepository) UpsertRole(ctx context.Context, role Role) (Role, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO roles (name, name_key, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (name_key) DO UPDATE
		SET name = EXCLUDED.name,
		    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), roles.display_name),
		    updated_at = NOW()
		RETURNING id, name, display_name, created_at`,
		role.Name, NameKey(role.Name), role.DisplayName,
	).Scan(&role.ID, &role.Name, &role.DisplayName, &role.CreatedAt)
	if err != nil {
		return Role{}, storeErr("upsert role", err)
	}
	return role, nil
}

func (r *PGRepository) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO permissions (module, action, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (module, action) DO UPDATE
		SET description = COALESCE(NULLIF(EXCLUDED.description, ''), permissions.description)
		RETURNING id, module, action, description`,
		perm.Module, perm.Action, perm.Description,
	).Scan(&perm.ID, &perm.Module, &perm.Action, &perm.Description)
	if err != nil {
		return Permission{}, storeErr("upsert permission", err)
	}
	return perm, nil
}

func (r *PGRepository) LinkGroupRole(ctx context.Context, groupKey, roleKey string) error {
	return r.link(ctx, "link group role", `
		WITH g AS (SELECT id FROM groups WHERE name_key = $1),
		     r AS (SELECT id FROM roles WHERE name_key = $2),
		     ins AS (
		         INSERT INTO group_roles (group_id, role_id)
		         SELECT g.id, r.id FROM g, r
		         ON CONFLICT DO NOTHING
		     )
		SELECT EXISTS (SELECT 1 FROM g) AND EXISTS (SELECT 1 FROM r)`,
		groupKey, roleKey)
}

func (r *PGRepository) LinkGroupPermission(ctx context.Context, groupKey string, perm PermissionKey) error {
	return r.link(ctx, "link group permission", `
		WITH g AS (SELECT id FROM groups WHERE name_key = $1),
		     p AS (SELECT id FROM permissions WHERE module = $2 AND action = $3),
		     ins AS (
		         INSERT INTO group_permissions (group_id, permission_id)
		         SELECT g.id, p.id FROM g, p
		         ON CONFLICT DO NOTHING
		     )
		SELECT EXISTS (SELECT 1 FROM g) AND EXISTS (SELECT 1 FROM p)`,
		groupKey, perm.Module, perm.Action)
}

func (r *PGRepository) LinkRolePermission(ctx context.Context, roleKey string, perm PermissionKey) error {
	return r.link(ctx, "link role permission", `
		WITH r AS (SELECT id FROM roles WHERE name_key = $1),
		     p AS (SELECT id FROM permissions WHERE module = $2 AND action = $3),
		     ins AS (
		         INSERT INTO role_permissions (role_id, permission_id)
		         SELECT r.id, p.id FROM r, p
		         ON CONFLICT DO NOTHING
		     )
		SELECT EXISTS (SELECT 1 FROM r) AND EXISTS (SELECT 1 FROM p)`,
		roleKey, perm.Module, perm.Action)
}

func (r *PGRepository) link(ctx context.Context, op, sql string, args ...any) error {
	var found bool
	if err := r.q.QueryRow(ctx, sql, args...).Scan(&found); err != nil {
		return storeErr(op, err)
	}
	if !found {
		return fmt.Errorf("rbac: %s: %w", op, ErrNotFound)
	}
	return nil
}

func (r *PGRepository) UnlinkGroupRole(ctx context.Context, groupKey, roleKey string) (bool, error) {
	return r.unlink(ctx, "unlink group role", `
		DELETE FROM group_roles gr
		USING groups g, roles r
		WHERE gr.group_id = g.id AND gr.role_id = r.id
		  AND g.name_key = $1 AND r.name_key = $2`,
		groupKey, roleKey)
}

func (r *PGRepository) UnlinkGroupPermission(ctx context.Context, groupKey string, perm PermissionKey) (bool, error) {
	return r.unlink(ctx, "unlink group permission", `
		DELETE FROM group_permissions gp
		USING groups g, permissions p
		WHERE gp.group_id = g.id AND gp.permission_id = p.id
		  AND g.name_key = $1 AND p.module = $2 AND p.action = $3`,
		groupKey, perm.Module, perm.Action)
}

func (r *PGRepository) UnlinkRolePermission(ctx context.Context, roleKey string, perm PermissionKey) (bool, error) {
	return r.unlink(ctx, "unlink role permission", `
		DELETE FROM role_permissions rp
		USING roles r, permissions p
		WHERE rp.role_id = r.id AND rp.permission_id = p.id
		  AND r.name_key = $1 AND p.module = $2 AND p.action = $3`,
		roleKey, perm.Module, perm.Action)
}

func (r *PGRepository) unlink(ctx context.Context, op, sql string, args ...any) (bool, error) {
	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return false, storeErr(op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGRepository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, description, created_at FROM groups ORDER BY name`)
	if err != nil {
		return nil, storeErr("list groups", err)
	}
	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Group, error) {
		var g Group
		err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
		return g, err
	})
	if err != nil {
		return nil, storeErr("list groups", err)
	}
	return groups, nil
}

func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, display_name, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, storeErr("list roles", err)
	}
	roles, err := pgx.CollectRows(rows, scanRole)
	if err != nil {
		return nil, storeErr("list roles", err)
	}
	return roles, nil
}

func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.q.Query(ctx, `SELECT id, module, action, description FROM permissions ORDER BY module, action`)
	if err != nil {
		return nil, storeErr("list permissions", err)
	}
	perms, err := pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return nil, storeErr("list permissions", err)
	}
	return perms, nil
}

func (r *PGRepository) RolePermissions(ctx context.Context, roleKey string) ([]Permission, error) {
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE name_key = $1)`, roleKey).Scan(&exists); err != nil {
		return nil, storeErr("role permissions", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := r.q.Query(ctx, `
		SELECT p.id, p.module, p.action, p.description
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN roles r ON r.id = rp.role_id
		WHERE r.name_key = $1
		ORDER BY p.module, p.action`, roleKey)
	if err != nil {
		return nil, storeErr("role permissions", err)
	}
	perms, err := pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return nil, storeErr("role permissions", err)
	}
	return perms, nil
}

func (r *PGRepository) GrantsForGroups(ctx context.Context, groupKeys []string) (Grants, error) {
	grants := Grants{Roles: []Role{}, Permissions: []Permission{}}
	if len(groupKeys) == 0 {
		return grants, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT r.id, r.name, r.display_name, r.created_at
		FROM roles r
		JOIN group_roles gr ON gr.role_id = r.id
		JOIN groups g ON g.id = gr.group_id
		WHERE g.name_key = ANY($1)
		ORDER BY r.name`, groupKeys)
	if err != nil {
		return Grants{}, storeErr("grants roles", err)
	}
	grants.Roles, err = pgx.CollectRows(rows, scanRole)
	if err != nil {
		return Grants{}, storeErr("grants roles", err)
	}

	rows, err = r.q.Query(ctx, `
		SELECT p.id, p.module, p.action, p.description
		FROM permissions p
		WHERE p.id IN (
			SELECT gp.permission_id
			FROM group_permissions gp
			JOIN groups g ON g.id = gp.group_id
			WHERE g.name_key = ANY($1)
			UNION
			SELECT rp.permission_id
			FROM role_permissions rp
			JOIN group_roles gr ON gr.role_id = rp.role_id
			JOIN groups g ON g.id = gr.group_id
			WHERE g.name_key = ANY($1)
		)
		ORDER BY p.module, p.action`, groupKeys)
	if err != nil {
		return Grants{}, storeErr("grants permissions", err)
	}
	grants.Permissions, err = pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return Grants{}, storeErr("grants permissions", err)
	}
	return grants, nil
}

func (r *PGRepository) WithinTx(ctx context.Context, fn func(Repository) error) error {
	if r.tx == nil {
		// Already bound to a transaction.
		return fn(r)
	}
	err := db.WithTx(ctx, r.tx, func(tx pgx.Tx) error {
		return fn(&PGRepository{q: tx})
	})
	if err != nil && !errors.Is(err, ErrStore) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalid) {
		return storeErr("transaction", err)
	}
	return err
}

func scanRole(row pgx.CollectableRow) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.CreatedAt)
	return role, err
}

func scanPermission(row pgx.CollectableRow) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Module, &perm.Action, &perm.Description)
	return perm, err
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

var _ Repository = (*PGRepository)(nil)
