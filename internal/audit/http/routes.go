package audithttp

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

const (
	exportLimit  = 10
	exportWindow = time.Minute
)

// MountRoutes registers the timeline and its CSV export. The caller gates the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/", h.handleTimeline)
	r.With(httpx.LimitByPrincipal("audit-export", exportLimit, exportWindow)).Get("/export.csv", h.handleExport)
}
