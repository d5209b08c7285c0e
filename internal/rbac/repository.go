package rbac

import "context"

// Repository persists the authorization graph. Names passed in are already normalised:
// group and role names through NameKey, permission keys through PermissionKey.Normalize.
type Repository interface {
	UpsertGroup(ctx context.Context, group Group) (Group, error)
	UpsertRole(ctx context.Context, role Role) (Role, error)
	UpsertPermission(ctx context.Context, perm Permission) (Permission, error)

	LinkGroupRole(ctx context.Context, groupKey, roleKey string) error
	LinkGroupPermission(ctx context.Context, groupKey string, perm PermissionKey) error
	LinkRolePermission(ctx context.Context, roleKey string, perm PermissionKey) error

	UnlinkGroupRole(ctx context.Context, groupKey, roleKey string) (bool, error)
	UnlinkGroupPermission(ctx context.Context, groupKey string, perm PermissionKey) (bool, error)
	UnlinkRolePermission(ctx context.Context, roleKey string, perm PermissionKey) (bool, error)

	ListGroups(ctx context.Context) ([]Group, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	RolePermissions(ctx context.Context, roleKey string) ([]Permission, error)

	// GrantsForGroups returns roles reachable from the groups, plus permissions reachable
	// directly from the groups or through those roles.
	GrantsForGroups(ctx context.Context, groupKeys []string) (Grants, error)

	// WithinTx runs fn against a repository bound to one transaction.
	WithinTx(ctx context.Context, fn func(Repository) error) error
}
