package impersonation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/directory"
	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
)

// RequiredModule and RequiredAction name the permission that allows impersonation.
const (
	RequiredModule = "admin"
	RequiredAction = "impersonate"
)

// DefaultTTL bounds a session when no lifetime is configured.
const DefaultTTL = 30 * time.Minute

// Authorizer resolves the actor's own permissions and delegated token.
type Authorizer interface {
	Resolve(ctx context.Context, principal identity.Principal) (access.EffectivePermissionSet, error)
	ValidTokenFor(ctx context.Context, principalID string) (string, error)
}

// UserLookup verifies impersonation targets.
type UserLookup interface {
	GetUser(ctx context.Context, accessToken, idOrEmail string) (identity.Principal, error)
}

// Service manages impersonation sessions.
type Service struct {
	store   Store
	authz   Authorizer
	users   UserLookup
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	audit   audit.Recorder
	now     func() time.Time
	newID   func() string
}

// NewService constructs a Service. A non-positive ttl uses DefaultTTL.
func NewService(store Store, authz Authorizer, users UserLookup, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics, recorder audit.Recorder) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{
		store:   store,
		authz:   authz,
		users:   users,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		audit:   recorder,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Begin opens a session for actor as targetID. The actor must hold (admin, impersonate) or be
// a super-admin; otherwise nothing is created.
func (s *Service) Begin(ctx context.Context, actor identity.Principal, targetID string) (Session, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return Session{}, ErrInvalidTarget
	}

	set, err := s.authz.Resolve(ctx, actor)
	if err != nil {
		return Session{}, fmt.Errorf("impersonation: resolve actor: %w", err)
	}
	if !set.Can(RequiredModule, RequiredAction) {
		s.metrics.ObserveImpersonation("denied")
		s.audit.Record(ctx, audit.Event{
			ActorID:   actor.ID,
			SubjectID: targetID,
			Action:    audit.ActionImpersonationDenied,
			Entity:    "impersonation",
		})
		s.logger.Warn("impersonation denied", slog.String("actor_id", actor.ID), slog.String("target", targetID))
		return Session{}, ErrForbidden
	}

	token, err := s.authz.ValidTokenFor(ctx, actor.ID)
	if err != nil {
		return Session{}, fmt.Errorf("impersonation: actor token: %w", err)
	}
	target, err := s.users.GetUser(ctx, token, targetID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Session{}, ErrTargetNotFound
		}
		return Session{}, fmt.Errorf("impersonation: lookup target: %w", err)
	}
	if target.ID == actor.ID {
		return Session{}, ErrInvalidTarget
	}

	now := s.now()
	session := Session{
		ID:        s.newID(),
		Actor:     actor,
		Target:    target,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Save(ctx, session); err != nil {
		return Session{}, fmt.Errorf("impersonation: save: %w", err)
	}

	s.metrics.ObserveImpersonation("begin")
	s.audit.Record(ctx, audit.Event{
		ActorID:   actor.ID,
		SubjectID: target.ID,
		Action:    audit.ActionImpersonationBegin,
		Entity:    "impersonation",
		EntityID:  session.ID,
		Meta:      map[string]any{"expires_at": session.ExpiresAt.Format(time.RFC3339)},
	})
	s.logger.Info("impersonation started",
		slog.String("actor_id", actor.ID),
		slog.String("target_id", target.ID),
		slog.Time("expires_at", session.ExpiresAt),
	)
	return session, nil
}

// Validate returns the session when id is active and owned by actorID. Any other outcome,
// including store failures, means "not impersonating".
func (s *Service) Validate(ctx context.Context, id, actorID string) (Session, bool) {
	if id == "" || actorID == "" {
		return Session{}, false
	}
	session, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("impersonation lookup failed", slog.Any("error", err))
		}
		return Session{}, false
	}
	if session.Actor.ID != actorID {
		s.logger.Warn("impersonation session used by another actor",
			slog.String("owner_id", session.Actor.ID),
			slog.String("actor_id", actorID),
		)
		return Session{}, false
	}
	if !session.ActiveAt(s.now()) {
		return Session{}, false
	}
	return session, true
}

// Active implements access.Impersonations.
func (s *Service) Active(ctx context.Context, sessionID, actorID string) (access.Overlay, bool) {
	session, ok := s.Validate(ctx, sessionID, actorID)
	if !ok {
		return access.Overlay{}, false
	}
	return access.Overlay{SessionID: session.ID, Actor: session.Actor, Target: session.Target}, true
}

// End terminates the session. Ending an unknown, expired or already ended session succeeds.
func (s *Service) End(ctx context.Context, id, actorID string) error {
	session, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("impersonation: end: %w", err)
	}
	if session.Actor.ID != actorID {
		return ErrForbidden
	}
	now := s.now()
	if !session.ActiveAt(now) {
		return nil
	}
	session.EndedAt = &now
	if err := s.store.Save(ctx, session); err != nil {
		return fmt.Errorf("impersonation: end: %w", err)
	}

	s.metrics.ObserveImpersonation("end")
	s.audit.Record(ctx, audit.Event{
		ActorID:   actorID,
		SubjectID: session.Target.ID,
		Action:    audit.ActionImpersonationEnd,
		Entity:    "impersonation",
		EntityID:  session.ID,
	})
	s.logger.Info("impersonation ended", slog.String("actor_id", actorID), slog.String("target_id", session.Target.ID))
	return nil
}

var _ access.Impersonations = (*Service)(nil)
