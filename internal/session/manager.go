// Package session maps opaque portal session references to signed-in principals.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
)

// HeaderName carries the session reference for non-browser clients.
const HeaderName = "X-Portal-Session"

// ErrNotFound is returned for unknown or expired references.
var ErrNotFound = errors.New("session: not found")

// Record is what a reference resolves to.
type Record struct {
	Principal identity.Principal `json:"principal"`
	CreatedAt time.Time          `json:"created_at"`
}

// Manager stores session references in Redis with a sliding TTL.
type Manager struct {
	client     redis.UniversalClient
	cookieName string
	ttl        time.Duration
	secure     bool
	key        [32]byte
	now        func() time.Time
}

// NewManager constructs a Manager. secret keys the digest used for Redis keys.
func NewManager(client redis.UniversalClient, cookieName, secret string, ttl time.Duration, secure bool) *Manager {
	return &Manager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		key:        blake2b.Sum256([]byte(secret)),
		now:        time.Now,
	}
}

// Create issues a new reference for principal.
func (m *Manager) Create(ctx context.Context, principal identity.Principal) (string, error) {
	if principal.IsZero() {
		return "", errors.New("session: principal required")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	data, err := json.Marshal(Record{Principal: principal, CreatedAt: m.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	if err := m.client.Set(ctx, m.redisKey(id.String()), data, m.ttl).Err(); err != nil {
		return "", fmt.Errorf("session: save: %w", err)
	}
	return id.String(), nil
}

// Lookup resolves id and extends its lifetime.
func (m *Manager) Lookup(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrNotFound
	}
	key := m.redisKey(id)
	payload, err := m.client.GetEx(ctx, key, m.ttl).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("session: load: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("session: decode: %w", err)
	}
	return rec, nil
}

// Destroy removes id. Unknown ids are not an error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := m.client.Del(ctx, m.redisKey(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: destroy: %w", err)
	}
	return nil
}

// FromRequest returns the session reference carried by r, cookie first.
func (m *Manager) FromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return strings.TrimSpace(r.Header.Get(HeaderName))
}

// SetCookie writes the session cookie.
func (m *Manager) SetCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  m.now().Add(m.ttl),
	})
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// TTL exposes the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) redisKey(id string) string {
	mac, _ := blake2b.New256(m.key[:])
	mac.Write([]byte(id))
	return "session:" + hex.EncodeToString(mac.Sum(nil))
}
