package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

// Handler exposes the administrative JSON API over the authorization store.
type Handler struct {
	service *Service
	logger  *slog.Logger
	audit   audit.Recorder
}

// NewHandler constructs Handler.
func NewHandler(service *Service, logger *slog.Logger, recorder audit.Recorder) *Handler {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Handler{service: service, logger: logger, audit: recorder}
}

// ManageAction is the admin action required to change grants. Reading them only needs access
// to the admin module.
const ManageAction = "manage"

// MountRoutes registers admin routes. The caller gates the router for reads; every route that
// changes grants is additionally wrapped in manage.
func (h *Handler) MountRoutes(r chi.Router, manage func(http.Handler) http.Handler) {
	r.Get("/groups", h.listGroups)
	r.Get("/roles", h.listRoles)
	r.Get("/roles/{role}/permissions", h.rolePermissions)
	r.Get("/permissions", h.listPermissions)

	r.Group(func(w chi.Router) {
		if manage != nil {
			w.Use(manage)
		}
		w.Post("/groups", h.ensureGroup)
		w.Put("/groups/{group}/roles/{role}", h.assignRoleToGroup)
		w.Delete("/groups/{group}/roles/{role}", h.revokeRoleFromGroup)
		w.Put("/groups/{group}/permissions/{module}/{action}", h.assignPermissionToGroup)
		w.Delete("/groups/{group}/permissions/{module}/{action}", h.revokePermissionFromGroup)

		w.Post("/roles", h.ensureRole)
		w.Put("/roles/{role}/permissions/{module}/{action}", h.assignPermissionToRole)
		w.Delete("/roles/{role}/permissions/{module}/{action}", h.revokePermissionFromRole)

		w.Post("/permissions", h.ensurePermission)
		w.Post("/seed", h.applySeed)
	})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListGroups(r.Context())
	if err != nil {
		h.fail(w, r, "list groups", err)
		return
	}
	httpx.JSON(w, http.StatusOK, groups)
}

type groupInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) ensureGroup(w http.ResponseWriter, r *http.Request) {
	var in groupInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	group, err := h.service.EnsureGroup(r.Context(), in.Name, in.Description)
	if err != nil {
		h.fail(w, r, "ensure group", err)
		return
	}
	h.record(r, "ensure_group", "group", group.Name, nil)
	httpx.JSON(w, http.StatusOK, group)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

type roleInput struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) ensureRole(w http.ResponseWriter, r *http.Request) {
	var in roleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.EnsureRole(r.Context(), in.Name, in.DisplayName)
	if err != nil {
		h.fail(w, r, "ensure role", err)
		return
	}
	h.record(r, "ensure_role", "role", role.Name, nil)
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.RolePermissions(r.Context(), chi.URLParam(r, "role"))
	if err != nil {
		h.fail(w, r, "role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

type permissionInput struct {
	Module      string `json:"module"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	var in permissionInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.service.EnsurePermission(r.Context(), in.Module, in.Action, in.Description)
	if err != nil {
		h.fail(w, r, "ensure permission", err)
		return
	}
	h.record(r, "ensure_permission", "permission", perm.Key().String(), nil)
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) assignRoleToGroup(w http.ResponseWriter, r *http.Request) {
	group, role := chi.URLParam(r, "group"), chi.URLParam(r, "role")
	if err := h.service.AssignRoleToGroup(r.Context(), group, role); err != nil {
		h.fail(w, r, "assign role to group", err)
		return
	}
	h.record(r, "assign_role", "group", group, map[string]any{"role": role})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRoleFromGroup(w http.ResponseWriter, r *http.Request) {
	group, role := chi.URLParam(r, "group"), chi.URLParam(r, "role")
	removed, err := h.service.RevokeRoleFromGroup(r.Context(), group, role)
	if err != nil {
		h.fail(w, r, "revoke role from group", err)
		return
	}
	if removed {
		h.record(r, "revoke_role", "group", group, map[string]any{"role": role})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignPermissionToGroup(w http.ResponseWriter, r *http.Request) {
	group, key := chi.URLParam(r, "group"), permissionParam(r)
	if err := h.service.AssignPermissionToGroup(r.Context(), group, key); err != nil {
		h.fail(w, r, "assign permission to group", err)
		return
	}
	h.record(r, "assign_permission", "group", group, map[string]any{"permission": key.String()})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePermissionFromGroup(w http.ResponseWriter, r *http.Request) {
	group, key := chi.URLParam(r, "group"), permissionParam(r)
	removed, err := h.service.RevokePermissionFromGroup(r.Context(), group, key)
	if err != nil {
		h.fail(w, r, "revoke permission from group", err)
		return
	}
	if removed {
		h.record(r, "revoke_permission", "group", group, map[string]any{"permission": key.String()})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignPermissionToRole(w http.ResponseWriter, r *http.Request) {
	role, key := chi.URLParam(r, "role"), permissionParam(r)
	if err := h.service.AssignPermissionToRole(r.Context(), role, key); err != nil {
		h.fail(w, r, "assign permission to role", err)
		return
	}
	h.record(r, "assign_permission", "role", role, map[string]any{"permission": key.String()})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePermissionFromRole(w http.ResponseWriter, r *http.Request) {
	role, key := chi.URLParam(r, "role"), permissionParam(r)
	removed, err := h.service.RevokePermissionFromRole(r.Context(), role, key)
	if err != nil {
		h.fail(w, r, "revoke permission from role", err)
		return
	}
	if removed {
		h.record(r, "revoke_permission", "role", role, map[string]any{"permission": key.String()})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) applySeed(w http.ResponseWriter, r *http.Request) {
	seed, err := LoadSeed(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.fail(w, r, "load seed", err)
		return
	}
	result, err := h.service.ApplySeed(r.Context(), seed)
	if err != nil {
		h.fail(w, r, "apply seed", err)
		return
	}
	h.record(r, "apply_seed", "seed", "", map[string]any{
		"permissions": result.Permissions,
		"roles":       result.Roles,
		"groups":      result.Groups,
		"links":       result.Links,
	})
	httpx.JSON(w, http.StatusOK, result)
}

func permissionParam(r *http.Request) PermissionKey {
	return PermissionKey{Module: chi.URLParam(r, "module"), Action: chi.URLParam(r, "action")}
}

func (h *Handler) record(r *http.Request, op, entity, entityID string, meta map[string]any) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["op"] = op
	h.audit.Record(r.Context(), audit.Event{
		ActorID:  principal.ID,
		Action:   audit.ActionRBACChange,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	default:
		h.logger.Error("rbac admin", slog.String("op", op), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
