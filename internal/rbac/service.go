package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// Service orchestrates the authorization store: resolution reads and administrative upserts.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService constructs a Service over repo.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, validator: newValidator()}
}

// ResolveRolesAndPermissions returns the roles and permissions the named groups confer,
// deduplicated by role name and by (module, action). Unknown groups contribute nothing.
func (s *Service) ResolveRolesAndPermissions(ctx context.Context, groupNames []string) (Grants, error) {
	keys := make([]string, 0, len(groupNames))
	seen := make(map[string]struct{}, len(groupNames))
	for _, name := range groupNames {
		key := NameKey(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return Grants{Roles: []Role{}, Permissions: []Permission{}}, nil
	}

	grants, err := s.repo.GrantsForGroups(ctx, keys)
	if err != nil {
		return Grants{}, asStoreErr("resolve grants", err)
	}
	return dedupe(grants), nil
}

func dedupe(in Grants) Grants {
	out := Grants{Roles: make([]Role, 0, len(in.Roles)), Permissions: make([]Permission, 0, len(in.Permissions))}
	roles := make(map[string]struct{}, len(in.Roles))
	for _, role := range in.Roles {
		key := NameKey(role.Name)
		if _, dup := roles[key]; dup {
			continue
		}
		roles[key] = struct{}{}
		out.Roles = append(out.Roles, role)
	}
	perms := make(map[PermissionKey]struct{}, len(in.Permissions))
	for _, perm := range in.Permissions {
		key := perm.Key().Normalize()
		if _, dup := perms[key]; dup {
			continue
		}
		perms[key] = struct{}{}
		out.Permissions = append(out.Permissions, perm)
	}
	return out
}

// EnsureGroup upserts a group by name.
func (s *Service) EnsureGroup(ctx context.Context, name, description string) (Group, error) {
	return ensureGroup(ctx, s, s.repo, name, description)
}

func ensureGroup(ctx context.Context, s *Service, repo Repository, name, description string) (Group, error) {
	group := Group{Name: trim(name), Description: trim(description)}
	if err := s.validate(group); err != nil {
		return Group{}, err
	}
	saved, err := repo.UpsertGroup(ctx, group)
	if err != nil {
		return Group{}, asStoreErr("ensure group", err)
	}
	return saved, nil
}

// EnsureRole upserts a role by name.
func (s *Service) EnsureRole(ctx context.Context, name, displayName string) (Role, error) {
	return ensureRole(ctx, s, s.repo, name, displayName)
}

func ensureRole(ctx context.Context, s *Service, repo Repository, name, displayName string) (Role, error) {
	role := Role{Name: trim(name), DisplayName: trim(displayName)}
	if err := s.validate(role); err != nil {
		return Role{}, err
	}
	saved, err := repo.UpsertRole(ctx, role)
	if err != nil {
		return Role{}, asStoreErr("ensure role", err)
	}
	return saved, nil
}

// EnsurePermission upserts a permission by (module, action).
func (s *Service) EnsurePermission(ctx context.Context, module, action, description string) (Permission, error) {
	return ensurePermission(ctx, s, s.repo, PermissionKey{Module: module, Action: action}, description)
}

func ensurePermission(ctx context.Context, s *Service, repo Repository, key PermissionKey, description string) (Permission, error) {
	key = key.Normalize()
	perm := Permission{Module: key.Module, Action: key.Action, Description: trim(description)}
	if err := s.validate(perm); err != nil {
		return Permission{}, err
	}
	saved, err := repo.UpsertPermission(ctx, perm)
	if err != nil {
		return Permission{}, asStoreErr("ensure permission", err)
	}
	return saved, nil
}

// AssignRoleToGroup links a role to a group, creating either side when missing.
func (s *Service) AssignRoleToGroup(ctx context.Context, groupName, roleName string) error {
	return s.repo.WithinTx(ctx, func(repo Repository) error {
		if _, err := ensureGroup(ctx, s, repo, groupName, ""); err != nil {
			return err
		}
		if _, err := ensureRole(ctx, s, repo, roleName, ""); err != nil {
			return err
		}
		if err := repo.LinkGroupRole(ctx, NameKey(groupName), NameKey(roleName)); err != nil {
			return asStoreErr("assign role to group", err)
		}
		return nil
	})
}

// AssignPermissionToGroup grants a permission directly to a group.
func (s *Service) AssignPermissionToGroup(ctx context.Context, groupName string, key PermissionKey) error {
	return s.repo.WithinTx(ctx, func(repo Repository) error {
		if _, err := ensureGroup(ctx, s, repo, groupName, ""); err != nil {
			return err
		}
		perm, err := ensurePermission(ctx, s, repo, key, "")
		if err != nil {
			return err
		}
		if err := repo.LinkGroupPermission(ctx, NameKey(groupName), perm.Key()); err != nil {
			return asStoreErr("assign permission to group", err)
		}
		return nil
	})
}

// AssignPermissionToRole grants a permission to a role.
func (s *Service) AssignPermissionToRole(ctx context.Context, roleName string, key PermissionKey) error {
	return s.repo.WithinTx(ctx, func(repo Repository) error {
		if _, err := ensureRole(ctx, s, repo, roleName, ""); err != nil {
			return err
		}
		perm, err := ensurePermission(ctx, s, repo, key, "")
		if err != nil {
			return err
		}
		if err := repo.LinkRolePermission(ctx, NameKey(roleName), perm.Key()); err != nil {
			return asStoreErr("assign permission to role", err)
		}
		return nil
	})
}

// RevokeRoleFromGroup removes the edge. Removing a missing edge reports false, not an error.
func (s *Service) RevokeRoleFromGroup(ctx context.Context, groupName, roleName string) (bool, error) {
	removed, err := s.repo.UnlinkGroupRole(ctx, NameKey(groupName), NameKey(roleName))
	if err != nil {
		return false, asStoreErr("revoke role from group", err)
	}
	return removed, nil
}

// RevokePermissionFromGroup removes a direct group grant.
func (s *Service) RevokePermissionFromGroup(ctx context.Context, groupName string, key PermissionKey) (bool, error) {
	removed, err := s.repo.UnlinkGroupPermission(ctx, NameKey(groupName), key.Normalize())
	if err != nil {
		return false, asStoreErr("revoke permission from group", err)
	}
	return removed, nil
}

// RevokePermissionFromRole removes a role grant.
func (s *Service) RevokePermissionFromRole(ctx context.Context, roleName string, key PermissionKey) (bool, error) {
	removed, err := s.repo.UnlinkRolePermission(ctx, NameKey(roleName), key.Normalize())
	if err != nil {
		return false, asStoreErr("revoke permission from role", err)
	}
	return removed, nil
}

// ListGroups returns all groups ordered by name.
func (s *Service) ListGroups(ctx context.Context) ([]Group, error) {
	groups, err := s.repo.ListGroups(ctx)
	if err != nil {
		return nil, asStoreErr("list groups", err)
	}
	return groups, nil
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, asStoreErr("list roles", err)
	}
	return roles, nil
}

// ListPermissions returns all permissions ordered by module then action.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := s.repo.ListPermissions(ctx)
	if err != nil {
		return nil, asStoreErr("list permissions", err)
	}
	return perms, nil
}

// RolePermissions returns the permissions granted to roleName.
func (s *Service) RolePermissions(ctx context.Context, roleName string) ([]Permission, error) {
	perms, err := s.repo.RolePermissions(ctx, NameKey(roleName))
	if err != nil {
		return nil, asStoreErr("role permissions", err)
	}
	return perms, nil
}

// asStoreErr keeps ErrNotFound and ErrInvalid distinguishable and tags everything else as ErrStore.
func asStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalid), errors.Is(err, ErrStore):
		return fmt.Errorf("rbac: %s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
	}
}
