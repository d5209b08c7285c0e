package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/directory"
	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/tokens"
)

// TokenSource yields a valid delegated token for a principal.
type TokenSource interface {
	ValidTokenFor(ctx context.Context, principalID string) (tokens.Entry, error)
}

// GrantResolver maps group names to roles and permissions.
type GrantResolver interface {
	ResolveRolesAndPermissions(ctx context.Context, groupNames []string) (rbac.Grants, error)
}

// Overlay is a validated impersonation: Actor is browsing as Target.
type Overlay struct {
	SessionID string
	Actor     identity.Principal
	Target    identity.Principal
}

// Impersonations validates impersonation session ids for an actor.
type Impersonations interface {
	Active(ctx context.Context, sessionID, actorID string) (Overlay, bool)
}

// Config names the super-admin wildcard. Empty names disable that path.
type Config struct {
	SuperAdminGroup string
	SuperAdminRole  string
}

// Resolver computes effective permission sets. It holds no per-user state.
type Resolver struct {
	tokens         TokenSource
	groups         directory.GroupLister
	grants         GrantResolver
	impersonations Impersonations
	superGroup     string
	superRole      string
	logger         *slog.Logger
	metrics        *observability.Metrics
	audit          audit.Recorder
}

// NewResolver constructs a Resolver.
func NewResolver(tokenSource TokenSource, groups directory.GroupLister, grants GrantResolver, cfg Config, logger *slog.Logger, metrics *observability.Metrics, recorder audit.Recorder) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Resolver{
		tokens:     tokenSource,
		groups:     groups,
		grants:     grants,
		superGroup: rbac.NameKey(cfg.SuperAdminGroup),
		superRole:  rbac.NameKey(cfg.SuperAdminRole),
		logger:     logger,
		metrics:    metrics,
		audit:      recorder,
	}
}

// UseImpersonations enables ResolveWithImpersonation. The impersonation service itself
// depends on the resolver, so it is attached after construction.
func (r *Resolver) UseImpersonations(i Impersonations) {
	r.impersonations = i
}

// ValidTokenFor returns a bearer token usable for pass-through calls on behalf of principalID.
func (r *Resolver) ValidTokenFor(ctx context.Context, principalID string) (string, error) {
	entry, err := r.tokens.ValidTokenFor(ctx, principalID)
	if err != nil {
		return "", err
	}
	return entry.Pair.AccessToken, nil
}

// Resolve computes principal's effective permissions. Missing or failed tokens return
// tokens.ErrUnauthenticated (or ErrRefreshFailed). A directory failure yields an empty,
// degraded set. Store failures are returned wrapped in rbac.ErrStore.
func (r *Resolver) Resolve(ctx context.Context, principal identity.Principal) (EffectivePermissionSet, error) {
	entry, err := r.token(ctx, principal)
	if err != nil {
		return unauthenticated(principal), err
	}
	subject := principal
	if subject.Email == "" {
		subject.Email = entry.Principal.Email
	}
	return r.build(ctx, subject, func() ([]directory.Group, error) {
		return r.groups.ListGroups(ctx, entry.Pair.AccessToken)
	})
}

// ResolveWithImpersonation resolves the impersonation target when sessionID is a valid
// session owned by actor, and the actor's own set otherwise.
func (r *Resolver) ResolveWithImpersonation(ctx context.Context, actor identity.Principal, sessionID string) (EffectivePermissionSet, error) {
	if sessionID == "" || r.impersonations == nil {
		return r.Resolve(ctx, actor)
	}
	overlay, ok := r.impersonations.Active(ctx, sessionID, actor.ID)
	if !ok {
		r.logger.Debug("impersonation session not active", slog.String("actor_id", actor.ID))
		return r.Resolve(ctx, actor)
	}

	entry, err := r.token(ctx, actor)
	if err != nil {
		return unauthenticated(actor), err
	}
	set, err := r.build(ctx, overlay.Target, func() ([]directory.Group, error) {
		return r.groups.ListGroupsFor(ctx, entry.Pair.AccessToken, overlay.Target.ID)
	})
	if err != nil {
		return set, err
	}
	set.Impersonation = &Impersonation{SessionID: overlay.SessionID, Actor: actor}
	return set, nil
}

func (r *Resolver) token(ctx context.Context, principal identity.Principal) (tokens.Entry, error) {
	if principal.IsZero() {
		r.metrics.ObserveResolution("unauthenticated")
		return tokens.Entry{}, tokens.ErrUnauthenticated
	}
	entry, err := r.tokens.ValidTokenFor(ctx, principal.ID)
	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, tokens.ErrRefreshFailed):
		r.metrics.ObserveResolution("refresh_failed")
		return tokens.Entry{}, err
	case errors.Is(err, tokens.ErrUnauthenticated):
		r.metrics.ObserveResolution("unauthenticated")
		return tokens.Entry{}, err
	default:
		r.metrics.ObserveResolution("error")
		return tokens.Entry{}, fmt.Errorf("access: valid token: %w", err)
	}
}

func (r *Resolver) build(ctx context.Context, subject identity.Principal, listGroups func() ([]directory.Group, error)) (EffectivePermissionSet, error) {
	set := EffectivePermissionSet{
		UserID:        subject.ID,
		Email:         subject.Email,
		Groups:        []string{},
		Roles:         []string{},
		Modules:       []string{},
		Permissions:   []rbac.PermissionKey{},
		Authenticated: true,
	}

	groups, err := listGroups()
	if err != nil {
		reason := directoryReason(err)
		r.logger.Warn("directory unavailable, resolving empty permission set",
			slog.String("user_id", subject.ID),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		r.metrics.ObserveDirectoryFailure(reason)
		r.metrics.ObserveResolution("degraded")
		r.audit.Record(ctx, audit.Event{
			ActorID:  subject.ID,
			Action:   audit.ActionResolutionDegraded,
			Entity:   "permission_set",
			EntityID: subject.ID,
			Meta:     map[string]any{"reason": reason},
		})
		set.Degraded = DegradedDirectoryUnavailable
		return set, nil
	}

	names := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.DisplayName == "" {
			continue
		}
		names = append(names, g.DisplayName)
	}
	set.Groups = names

	grants, err := r.grants.ResolveRolesAndPermissions(ctx, names)
	if err != nil {
		r.metrics.ObserveResolution("store_error")
		r.logger.Error("authorization store failure", slog.String("user_id", subject.ID), slog.Any("error", err))
		if !errors.Is(err, rbac.ErrStore) {
			err = fmt.Errorf("%w: %w", rbac.ErrStore, err)
		}
		return EffectivePermissionSet{}, fmt.Errorf("access: resolve grants: %w", err)
	}

	for _, role := range grants.Roles {
		set.Roles = append(set.Roles, role.Name)
	}
	modules := make(map[string]struct{})
	for _, perm := range grants.Permissions {
		key := perm.Key().Normalize()
		set.Permissions = append(set.Permissions, key)
		modules[key.Module] = struct{}{}
	}
	for m := range modules {
		set.Modules = append(set.Modules, m)
	}
	sort.Strings(set.Modules)
	set.IsSuperAdmin = r.isSuperAdmin(set.Groups, set.Roles)

	r.metrics.ObserveResolution("ok")
	return set, nil
}

func (r *Resolver) isSuperAdmin(groups, roles []string) bool {
	if r.superGroup != "" {
		for _, g := range groups {
			if rbac.NameKey(g) == r.superGroup {
				return true
			}
		}
	}
	if r.superRole != "" {
		for _, role := range roles {
			if rbac.NameKey(role) == r.superRole {
				return true
			}
		}
	}
	return false
}

func unauthenticated(p identity.Principal) EffectivePermissionSet {
	return EffectivePermissionSet{
		UserID:      p.ID,
		Email:       p.Email,
		Groups:      []string{},
		Roles:       []string{},
		Modules:     []string{},
		Permissions: []rbac.PermissionKey{},
	}
}

func directoryReason(err error) string {
	switch {
	case errors.Is(err, directory.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, directory.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
