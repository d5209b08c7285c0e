package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
)

// ErrorStateRefresh marks a pair whose refresh exchange failed. The pair is terminal.
const ErrorStateRefresh = "RefreshAccessTokenError"

var (
	// ErrUnauthenticated indicates there is no usable session for the principal.
	ErrUnauthenticated = errors.New("tokens: unauthenticated")
	// ErrRefreshFailed indicates the refresh exchange failed; callers must force a new sign-in.
	ErrRefreshFailed = fmt.Errorf("%w: refresh access token failed", ErrUnauthenticated)
	// ErrNotFound is returned by stores when no entry exists for a principal.
	ErrNotFound = errors.New("tokens: entry not found")
	// ErrInvalidPair rejects sign-ins carrying an unusable pair.
	ErrInvalidPair = errors.New("tokens: invalid token pair")
)

// Pair is the delegated access/refresh token pair of one signed-in principal.
type Pair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	ErrorState   string    `json:"error_state,omitempty"`
}

// Failed reports whether the pair carries the terminal error marker.
func (p Pair) Failed() bool {
	return p.ErrorState != ""
}

// Fresh reports whether the access token stays valid for at least skew past now.
func (p Pair) Fresh(now time.Time, skew time.Duration) bool {
	if p.Failed() || p.AccessToken == "" {
		return false
	}
	return now.Add(skew).Before(p.ExpiresAt)
}

// ExpiresAtEpochMillis returns the expiry as milliseconds since the Unix epoch.
func (p Pair) ExpiresAtEpochMillis() int64 {
	return p.ExpiresAt.UnixMilli()
}

func failedPair(p Pair) Pair {
	p.ErrorState = ErrorStateRefresh
	return p
}

// Entry is what the token store holds per principal.
type Entry struct {
	Principal identity.Principal `json:"principal"`
	Pair      Pair               `json:"pair"`
}
