package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/impersonation"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/session"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

// AdminModule gates the administrative API.
const AdminModule = "admin"

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger               *slog.Logger
	Config               *Config
	Metrics              *observability.Metrics
	Authenticator        Authenticator
	SessionHandler       *session.Handler
	MeHandler            *access.Handler
	ImpersonationHandler *impersonation.Handler
	AdminHandler         *rbac.Handler
	AuditHandler         *audithttp.Handler
	JobHandler           *jobs.Handler
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.SessionHandler != nil {
		r.Route("/auth", params.SessionHandler.MountRoutes)
	}

	gate := access.Middleware{Logger: params.Logger}
	r.Group(func(r chi.Router) {
		r.Use(params.Authenticator.Middleware)

		if params.MeHandler != nil {
			r.Route("/me", params.MeHandler.MountRoutes)
		}
		if params.ImpersonationHandler != nil {
			r.Route("/impersonation", func(r chi.Router) {
				params.ImpersonationHandler.MountRoutes(r, beginLimiter(params.Config))
			})
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(gate.RequireModule(AdminModule))
			if params.AdminHandler != nil {
				params.AdminHandler.MountRoutes(r, gate.RequireAny(rbac.PermissionKey{Module: AdminModule, Action: rbac.ManageAction}))
			}
			if params.AuditHandler != nil {
				r.Route("/audit", params.AuditHandler.MountRoutes)
			}
			if params.JobHandler != nil {
				r.Route("/jobs", params.JobHandler.MountRoutes)
			}
		})
	})

	return r
}

// beginLimiter rate-limits impersonation starts per signed-in actor.
func beginLimiter(cfg *Config) func(http.Handler) http.Handler {
	limit := 10
	if cfg != nil && cfg.ImpersonationRateLimit > 0 {
		limit = cfg.ImpersonationRateLimit
	}
	return httpx.LimitByPrincipal("impersonation", limit, time.Minute)
}
