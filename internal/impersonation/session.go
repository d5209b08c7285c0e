// Package impersonation lets an authorised actor browse as another user through a separate,
// short-lived session that never replaces the actor's own.
package impersonation

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
)

var (
	// ErrForbidden is returned when the actor may not impersonate.
	ErrForbidden = errors.New("impersonation: forbidden")
	// ErrTargetNotFound is returned when the directory does not know the target.
	ErrTargetNotFound = errors.New("impersonation: target not found")
	// ErrInvalidTarget is returned for empty or self targets.
	ErrInvalidTarget = errors.New("impersonation: invalid target")
	// ErrNotFound is returned by stores for unknown session ids.
	ErrNotFound = errors.New("impersonation: session not found")
)

// Session is one impersonation. It is terminated by expiry or by End.
type Session struct {
	ID        string             `json:"id"`
	Actor     identity.Principal `json:"actor"`
	Target    identity.Principal `json:"target"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
}

// ActiveAt reports whether the session is usable at now.
func (s Session) ActiveAt(now time.Time) bool {
	return s.EndedAt == nil && now.Before(s.ExpiresAt)
}

// Store persists sessions by id.
type Store interface {
	Save(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, error)
}
