package access

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/tokens"
)

// Handler exposes the caller's own effective permissions and bearer token.
type Handler struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewHandler constructs Handler.
func NewHandler(resolver *Resolver, logger *slog.Logger) *Handler {
	return &Handler{resolver: resolver, logger: logger}
}

// MountRoutes registers /me routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/permissions", h.permissions)
	r.Get("/token", h.token)
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	set, ok := SetFromContext(r.Context())
	if !ok || !set.Authenticated {
		httpx.Unauthorized(w, "sign-in required")
		return
	}
	httpx.JSON(w, http.StatusOK, set)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// token always answers for the signed-in actor, never an impersonation target.
func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "sign-in required")
		return
	}
	bearer, err := h.resolver.ValidTokenFor(r.Context(), principal.ID)
	if err != nil {
		if errors.Is(err, tokens.ErrUnauthenticated) {
			httpx.Unauthorized(w, "sign-in required")
			return
		}
		h.logger.Error("valid token", slog.String("principal_id", principal.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, tokenResponse{AccessToken: bearer, TokenType: "Bearer"})
}
