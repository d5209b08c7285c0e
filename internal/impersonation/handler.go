package impersonation

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/directory"
	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/tokens"
)

// QueryParam carries the session id when a new browsing context is launched.
const QueryParam = "impersonation_session"

// Handler exposes impersonation over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes registers routes. beginLimit wraps POST, typically a rate limiter.
func (h *Handler) MountRoutes(r chi.Router, beginLimit func(http.Handler) http.Handler) {
	if beginLimit == nil {
		r.Post("/", h.begin)
	} else {
		r.With(beginLimit).Post("/", h.begin)
	}
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.end)
}

type beginRequest struct {
	Target string `json:"target"`
}

type beginResponse struct {
	SessionID string             `json:"session_id"`
	Target    identity.Principal `json:"target"`
	ExpiresAt time.Time          `json:"expires_at"`
	LaunchURL string             `json:"launch_url"`
}

func (h *Handler) begin(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "sign-in required")
		return
	}
	var in beginRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	session, err := h.service.Begin(r.Context(), actor, in.Target)
	if err != nil {
		h.fail(w, err)
		return
	}
	// Returned for a new browsing context; never set on the actor's own session.
	httpx.JSON(w, http.StatusCreated, beginResponse{
		SessionID: session.ID,
		Target:    session.Target,
		ExpiresAt: session.ExpiresAt,
		LaunchURL: "/?" + url.Values{QueryParam: {session.ID}}.Encode(),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "sign-in required")
		return
	}
	session, ok := h.service.Validate(r.Context(), chi.URLParam(r, "id"), actor.ID)
	if !ok {
		httpx.JSON(w, http.StatusNotFound, map[string]any{"impersonating": false})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"impersonating": true, "session": session})
}

func (h *Handler) end(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "sign-in required")
		return
	}
	if err := h.service.End(r.Context(), chi.URLParam(r, "id"), actor.ID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrForbidden, err))
	case errors.Is(err, ErrTargetNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ErrInvalidTarget):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, tokens.ErrUnauthenticated):
		httpx.Unauthorized(w, err.Error())
	case errors.Is(err, directory.ErrUnavailable), errors.Is(err, directory.ErrUnauthorized):
		h.logger.Warn("impersonation directory lookup", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: directory", httpx.ErrUnavailable))
	default:
		h.logger.Error("impersonation", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
