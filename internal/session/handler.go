package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/directory"
	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/tokens"
)

// TokenKeeper records and forgets delegated token pairs.
type TokenKeeper interface {
	SignIn(ctx context.Context, principal identity.Principal, pair tokens.Pair) error
	SignOut(ctx context.Context, principalID string) error
}

// IdentityVerifier returns the principal an access token was issued to.
type IdentityVerifier interface {
	Me(ctx context.Context, accessToken string) (identity.Principal, error)
}

// Handler exchanges sign-in callbacks for portal session references.
type Handler struct {
	manager  *Manager
	tokens   TokenKeeper
	verifier IdentityVerifier
	logger   *slog.Logger
	audit    audit.Recorder
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler constructs Handler.
func NewHandler(manager *Manager, keeper TokenKeeper, verifier IdentityVerifier, logger *slog.Logger, recorder audit.Recorder) *Handler {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Handler{
		manager:  manager,
		tokens:   keeper,
		verifier: verifier,
		logger:   logger,
		audit:    recorder,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// MountRoutes registers the session routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/session", h.create)
	r.Delete("/session", h.destroy)
}

// signInRequest carries the token response of the sign-in callback. Principal is an optional
// hint; the session always belongs to the owner of AccessToken.
type signInRequest struct {
	Principal    *identity.Principal `json:"principal,omitempty"`
	AccessToken  string              `json:"access_token" validate:"required"`
	RefreshToken string              `json:"refresh_token"`
	ExpiresIn    int64               `json:"expires_in" validate:"gt=0"`
}

type signInResponse struct {
	SessionID string             `json:"session_id"`
	Principal identity.Principal `json:"principal"`
	ExpiresAt time.Time          `json:"expires_at"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in signInRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}

	principal, err := h.verify(r.Context(), in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	pair := tokens.Pair{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    h.now().Add(time.Duration(in.ExpiresIn) * time.Second),
	}
	if err := h.tokens.SignIn(r.Context(), principal, pair); err != nil {
		if errors.Is(err, tokens.ErrInvalidPair) {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("store token pair", slog.String("principal_id", principal.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	id, err := h.manager.Create(r.Context(), principal)
	if err != nil {
		h.logger.Error("create session", slog.String("principal_id", principal.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	h.manager.SetCookie(w, id)
	h.audit.Record(r.Context(), audit.Event{
		ActorID:  principal.ID,
		Action:   audit.ActionSessionCreate,
		Entity:   "session",
		EntityID: principal.ID,
	})
	httpx.JSON(w, http.StatusCreated, signInResponse{
		SessionID: id,
		Principal: principal,
		ExpiresAt: h.now().Add(h.manager.TTL()),
	})
}

// verify asks the directory who owns the access token and rejects a conflicting hint.
func (h *Handler) verify(ctx context.Context, in signInRequest) (identity.Principal, error) {
	if h.verifier == nil {
		return identity.Principal{}, fmt.Errorf("session: identity verifier not configured")
	}
	owner, err := h.verifier.Me(ctx, in.AccessToken)
	switch {
	case errors.Is(err, directory.ErrUnauthorized), errors.Is(err, directory.ErrNotFound):
		return identity.Principal{}, fmt.Errorf("%w: access token rejected by directory", httpx.ErrUnauthorized)
	case err != nil:
		h.logger.Warn("verify sign-in token", slog.Any("error", err))
		return identity.Principal{}, fmt.Errorf("%w: %v", httpx.ErrUnavailable, err)
	}
	if in.Principal != nil && in.Principal.ID != owner.ID {
		h.logger.Warn("sign-in principal does not own access token",
			slog.String("claimed_id", in.Principal.ID),
			slog.String("owner_id", owner.ID),
		)
		h.audit.Record(ctx, audit.Event{
			ActorID:   owner.ID,
			SubjectID: in.Principal.ID,
			Action:    audit.ActionSessionRejected,
			Entity:    "session",
			EntityID:  in.Principal.ID,
		})
		return identity.Principal{}, fmt.Errorf("%w: principal does not match access token", httpx.ErrForbidden)
	}
	if owner.Email == "" && in.Principal != nil {
		owner.Email = in.Principal.Email
	}
	if owner.DisplayName == "" && in.Principal != nil {
		owner.DisplayName = in.Principal.DisplayName
	}
	return owner, nil
}

func (h *Handler) destroy(w http.ResponseWriter, r *http.Request) {
	id := h.manager.FromRequest(r)
	if id == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rec, err := h.manager.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		h.manager.ClearCookie(w)
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		h.logger.Error("load session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	if err := h.tokens.SignOut(r.Context(), rec.Principal.ID); err != nil {
		h.logger.Warn("forget token pair", slog.String("principal_id", rec.Principal.ID), slog.Any("error", err))
	}
	if err := h.manager.Destroy(r.Context(), id); err != nil {
		h.logger.Error("destroy session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.manager.ClearCookie(w)
	h.audit.Record(r.Context(), audit.Event{
		ActorID:  rec.Principal.ID,
		Action:   audit.ActionSessionDestroy,
		Entity:   "session",
		EntityID: rec.Principal.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}
