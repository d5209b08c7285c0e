package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository for tests and local development.
type MemoryRepository struct {
	mu          sync.RWMutex
	nextID      int64
	groups      map[string]Group
	roles       map[string]Role
	permissions map[PermissionKey]Permission
	groupRoles  map[string]map[string]struct{}
	groupPerms  map[string]map[PermissionKey]struct{}
	rolePerms   map[string]map[PermissionKey]struct{}
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		groups:      make(map[string]Group),
		roles:       make(map[string]Role),
		permissions: make(map[PermissionKey]Permission),
		groupRoles:  make(map[string]map[string]struct{}),
		groupPerms:  make(map[string]map[PermissionKey]struct{}),
		rolePerms:   make(map[string]map[PermissionKey]struct{}),
	}
}

func (m *MemoryRepository) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryRepository) UpsertGroup(ctx context.Context, group Group) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertGroup(group), nil
}

func (m *MemoryRepository) upsertGroup(group Group) Group {
	key := NameKey(group.Name)
	if existing, ok := m.groups[key]; ok {
		existing.Name = group.Name
		if group.Description != "" {
			existing.Description = group.Description
		}
		m.groups[key] = existing
		return existing
	}
	group.ID = m.id()
	group.CreatedAt = time.Now().UTC()
	m.groups[key] = group
	return group
}

func (m *MemoryRepository) UpsertRole(ctx context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertRole(role), nil
}

func (m *MemoryRepository) upsertRole(role Role) Role {
	key := NameKey(role.Name)
	if existing, ok := m.roles[key]; ok {
		existing.Name = role.Name
		if role.DisplayName != "" {
			existing.DisplayName = role.DisplayName
		}
		m.roles[key] = existing
		return existing
	}
	role.ID = m.id()
	role.CreatedAt = time.Now().UTC()
	m.roles[key] = role
	return role
}

func (m *MemoryRepository) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertPermission(perm), nil
}

func (m *MemoryRepository) upsertPermission(perm Permission) Permission {
	key := perm.Key()
	if existing, ok := m.permissions[key]; ok {
		if perm.Description != "" {
			existing.Description = perm.Description
		}
		m.permissions[key] = existing
		return existing
	}
	perm.ID = m.id()
	m.permissions[key] = perm
	return perm
}

func (m *MemoryRepository) LinkGroupRole(ctx context.Context, groupKey, roleKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasGroup(groupKey) || !m.hasRole(roleKey) {
		return ErrNotFound
	}
	addEdge(m.groupRoles, groupKey, roleKey)
	return nil
}

func (m *MemoryRepository) LinkGroupPermission(ctx context.Context, groupKey string, perm PermissionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasGroup(groupKey) || !m.hasPermission(perm) {
		return ErrNotFound
	}
	addEdge(m.groupPerms, groupKey, perm)
	return nil
}

func (m *MemoryRepository) LinkRolePermission(ctx context.Context, roleKey string, perm PermissionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRole(roleKey) || !m.hasPermission(perm) {
		return ErrNotFound
	}
	addEdge(m.rolePerms, roleKey, perm)
	return nil
}

func (m *MemoryRepository) UnlinkGroupRole(ctx context.Context, groupKey, roleKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return removeEdge(m.groupRoles, groupKey, roleKey), nil
}

func (m *MemoryRepository) UnlinkGroupPermission(ctx context.Context, groupKey string, perm PermissionKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return removeEdge(m.groupPerms, groupKey, perm), nil
}

func (m *MemoryRepository) UnlinkRolePermission(ctx context.Context, roleKey string, perm PermissionKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return removeEdge(m.rolePerms, roleKey, perm), nil
}

func (m *MemoryRepository) ListGroups(ctx context.Context) ([]Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sortRoles(out)
	return out, nil
}

func (m *MemoryRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (m *MemoryRepository) RolePermissions(ctx context.Context, roleKey string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.roles[roleKey]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Permission, 0)
	for key := range m.rolePerms[roleKey] {
		out = append(out, m.permissions[key])
	}
	sortPermissions(out)
	return out, nil
}

func (m *MemoryRepository) GrantsForGroups(ctx context.Context, groupKeys []string) (Grants, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roleSet := make(map[string]struct{})
	permSet := make(map[PermissionKey]struct{})
	for _, g := range groupKeys {
		if _, ok := m.groups[g]; !ok {
			continue
		}
		for r := range m.groupRoles[g] {
			roleSet[r] = struct{}{}
			for p := range m.rolePerms[r] {
				permSet[p] = struct{}{}
			}
		}
		for p := range m.groupPerms[g] {
			permSet[p] = struct{}{}
		}
	}
	grants := Grants{Roles: make([]Role, 0, len(roleSet)), Permissions: make([]Permission, 0, len(permSet))}
	for r := range roleSet {
		grants.Roles = append(grants.Roles, m.roles[r])
	}
	for p := range permSet {
		grants.Permissions = append(grants.Permissions, m.permissions[p])
	}
	sortRoles(grants.Roles)
	sortPermissions(grants.Permissions)
	return grants, nil
}

// WithinTx runs fn directly; the memory repository has no rollback.
func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(Repository) error) error {
	return fn(m)
}

func (m *MemoryRepository) hasGroup(key string) bool {
	_, ok := m.groups[key]
	return ok
}

func (m *MemoryRepository) hasRole(key string) bool {
	_, ok := m.roles[key]
	return ok
}

func (m *MemoryRepository) hasPermission(key PermissionKey) bool {
	_, ok := m.permissions[key]
	return ok
}

func addEdge[K comparable](edges map[string]map[K]struct{}, from string, to K) {
	set, ok := edges[from]
	if !ok {
		set = make(map[K]struct{})
		edges[from] = set
	}
	set[to] = struct{}{}
}

func removeEdge[K comparable](edges map[string]map[K]struct{}, from string, to K) bool {
	set, ok := edges[from]
	if !ok {
		return false
	}
	if _, ok := set[to]; !ok {
		return false
	}
	delete(set, to)
	return true
}

func sortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Module != perms[j].Module {
			return perms[i].Module < perms[j].Module
		}
		return perms[i].Action < perms[j].Action
	})
}

var _ Repository = (*MemoryRepository)(nil)
