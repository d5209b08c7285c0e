package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
)

// LimitByPrincipal allows limit requests per window for each signed-in principal. Anonymous
// callers are bucketed by client IP. prefix keeps separate limiters from sharing counters.
func LimitByPrincipal(prefix string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if principal, ok := identity.PrincipalFromContext(r.Context()); ok {
				return prefix + ":principal:" + principal.ID, nil
			}
			ip, err := httprate.KeyByIP(r)
			if err != nil {
				return "", err
			}
			return prefix + ":ip:" + ip, nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			Problem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
		}),
	)
}
