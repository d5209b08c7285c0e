package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/impersonation"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/session"
	"github.com/odyssey-erp/odyssey-access/internal/tokens"
)

// ImpersonationHeader carries an impersonation session id on API calls.
const ImpersonationHeader = "X-Impersonation-Session"

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the service middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	production := cfg.Config.IsProduction()
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		STSSeconds:            31536000,
		IsDevelopment:         !production,
	})

	timeout := 30 * time.Second
	limit := 120
	if cfg.Config != nil {
		if cfg.Config.AppRequestTimeout > 0 {
			timeout = cfg.Config.AppRequestTimeout
		}
		if cfg.Config.AppRateLimit > 0 {
			limit = cfg.Config.AppRateLimit
		}
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	return middlewares
}

// SessionReader resolves portal session references.
type SessionReader interface {
	FromRequest(r *http.Request) string
	Lookup(ctx context.Context, id string) (session.Record, error)
}

// SetResolver computes the effective set for a request.
type SetResolver interface {
	ResolveWithImpersonation(ctx context.Context, actor identity.Principal, sessionID string) (access.EffectivePermissionSet, error)
}

// Authenticator places the signed-in principal and its effective set in the request
// context. Requests without a usable session pass through anonymously; gates reject them.
type Authenticator struct {
	Sessions SessionReader
	Resolver SetResolver
	Logger   *slog.Logger
}

// Middleware returns the authenticating middleware.
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ref := a.Sessions.FromRequest(r)
		if ref == "" {
			next.ServeHTTP(w, r)
			return
		}
		rec, err := a.Sessions.Lookup(ctx, ref)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				next.ServeHTTP(w, r)
				return
			}
			a.Logger.Error("load session", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "session store unavailable")
			return
		}

		set, err := a.Resolver.ResolveWithImpersonation(ctx, rec.Principal, impersonationID(r))
		if err != nil {
			if errors.Is(err, tokens.ErrUnauthenticated) {
				if errors.Is(err, tokens.ErrRefreshFailed) {
					a.Logger.Warn("token refresh failed, sign-in required", slog.String("principal_id", rec.Principal.ID))
				}
				next.ServeHTTP(w, r.WithContext(access.ContextWithSet(ctx, set)))
				return
			}
			a.Logger.Error("resolve permissions", slog.String("principal_id", rec.Principal.ID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}

		ctx = identity.ContextWithPrincipal(ctx, rec.Principal)
		ctx = access.ContextWithSet(ctx, set)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func impersonationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ImpersonationHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(impersonation.QueryParam))
}
