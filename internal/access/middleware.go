package access

import (
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Middleware gates handlers on the effective set placed in the request context.
type Middleware struct {
	Logger *slog.Logger
}

// RequireModule ensures the current user has at least one permission in any of modules.
func (m Middleware) RequireModule(modules ...string) func(http.Handler) http.Handler {
	normalized := normalizeModules(modules)
	return m.gate("require module", func(set EffectivePermissionSet) bool {
		if len(normalized) == 0 {
			return true
		}
		for _, mod := range normalized {
			if set.HasModule(mod) {
				return true
			}
		}
		return false
	})
}

// RequireAny ensures the current user holds at least one of perms.
func (m Middleware) RequireAny(perms ...rbac.PermissionKey) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.gate("require any", func(set EffectivePermissionSet) bool {
		return hasAnyPermission(set, normalized)
	})
}

// RequireAll ensures the current user holds every one of perms.
func (m Middleware) RequireAll(perms ...rbac.PermissionKey) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.gate("require all", func(set EffectivePermissionSet) bool {
		return hasAllPermissions(set, normalized)
	})
}

func (m Middleware) gate(name string, allowed func(EffectivePermissionSet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			set, ok := SetFromContext(r.Context())
			if !ok || !set.Authenticated {
				httpx.Unauthorized(w, "sign-in required")
				return
			}
			if allowed(set) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info("access denied",
					slog.String("gate", name),
					slog.String("user_id", set.UserID),
					slog.String("path", r.URL.Path),
					slog.Bool("impersonating", set.Impersonating()),
				)
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission")
		})
	}
}

func normalizeModules(modules []string) []string {
	unique := make(map[string]struct{}, len(modules))
	normalized := make([]string, 0, len(modules))
	for _, m := range modules {
		m = rbac.NormalizeSlug(m)
		if m == "" {
			continue
		}
		if _, ok := unique[m]; ok {
			continue
		}
		unique[m] = struct{}{}
		normalized = append(normalized, m)
	}
	return normalized
}

func normalizePermissions(perms []rbac.PermissionKey) []rbac.PermissionKey {
	unique := make(map[rbac.PermissionKey]struct{}, len(perms))
	normalized := make([]rbac.PermissionKey, 0, len(perms))
	for _, p := range perms {
		p = p.Normalize()
		if p.Module == "" || p.Action == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(set EffectivePermissionSet, required []rbac.PermissionKey) bool {
	if len(required) == 0 {
		return true
	}
	for _, p := range required {
		if set.Can(p.Module, p.Action) {
			return true
		}
	}
	return false
}

func hasAllPermissions(set EffectivePermissionSet, required []rbac.PermissionKey) bool {
	for _, p := range required {
		if !set.Can(p.Module, p.Action) {
			return false
		}
	}
	return true
}
