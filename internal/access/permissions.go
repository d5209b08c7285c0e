// Package access computes a principal's effective permissions from directory group
// memberships and the local authorization store.
package access

import (
	"context"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// DegradedDirectoryUnavailable marks a set computed without directory data.
const DegradedDirectoryUnavailable = "directory_unavailable"

// Impersonation annotates a set computed for an impersonated target.
type Impersonation struct {
	SessionID string             `json:"session_id"`
	Actor     identity.Principal `json:"actor"`
}

// EffectivePermissionSet is derived per request and never stored.
type EffectivePermissionSet struct {
	UserID        string               `json:"user_id"`
	Email         string               `json:"email"`
	Groups        []string             `json:"groups"`
	Roles         []string             `json:"roles"`
	Modules       []string             `json:"modules"`
	Permissions   []rbac.PermissionKey `json:"permissions"`
	IsSuperAdmin  bool                 `json:"is_super_admin"`
	Authenticated bool                 `json:"authenticated"`
	Degraded      string               `json:"degraded,omitempty"`
	Impersonation *Impersonation       `json:"impersonation,omitempty"`
}

// Can reports whether the set grants (module, action). Super-admins can do anything.
func (s EffectivePermissionSet) Can(module, action string) bool {
	if !s.Authenticated {
		return false
	}
	if s.IsSuperAdmin {
		return true
	}
	want := rbac.PermissionKey{Module: module, Action: action}.Normalize()
	for _, p := range s.Permissions {
		if p.Normalize() == want {
			return true
		}
	}
	return false
}

// HasModule reports whether any permission in the set belongs to module.
func (s EffectivePermissionSet) HasModule(module string) bool {
	if !s.Authenticated {
		return false
	}
	if s.IsSuperAdmin {
		return true
	}
	want := rbac.NormalizeSlug(module)
	for _, m := range s.Modules {
		if rbac.NormalizeSlug(m) == want {
			return true
		}
	}
	return false
}

// Impersonating reports whether the set belongs to an impersonated target.
func (s EffectivePermissionSet) Impersonating() bool {
	return s.Impersonation != nil
}

type setContextKey struct{}

// ContextWithSet stores the request's effective set.
func ContextWithSet(ctx context.Context, set EffectivePermissionSet) context.Context {
	return context.WithValue(ctx, setContextKey{}, set)
}

// SetFromContext returns the request's effective set.
func SetFromContext(ctx context.Context) (EffectivePermissionSet, bool) {
	set, ok := ctx.Value(setContextKey{}).(EffectivePermissionSet)
	return set, ok
}
