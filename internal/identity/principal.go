package identity

import (
	"context"
	"strings"
)

// Principal is the identity of a signed-in human user as issued by the identity provider.
type Principal struct {
	ID          string `json:"id" validate:"required"`
	Email       string `json:"email" validate:"omitempty,email"`
	DisplayName string `json:"display_name"`
}

// IsZero reports whether the principal carries no identifier.
func (p Principal) IsZero() bool {
	return strings.TrimSpace(p.ID) == ""
}

type principalContextKey struct{}

// ContextWithPrincipal stores the authenticated principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.IsZero() {
		return Principal{}, false
	}
	return p, true
}
