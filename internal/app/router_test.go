package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/directory"
	"github.com/odyssey-erp/odyssey-access/internal/impersonation"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/session"
	"github.com/odyssey-erp/odyssey-access/internal/tokens"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

type passthroughRefresher struct{}

func (passthroughRefresher) Refresh(ctx context.Context, pair tokens.Pair) tokens.Pair {
	return pair
}

// newDirectory serves memberOf and user lookups keyed by "token-<id>" bearers.
func newDirectory(t *testing.T, groups map[string][]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer token-")
		if _, ok := groups[caller]; !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		subject := caller
		if parts[0] == "users" && len(parts) >= 2 {
			subject = parts[1]
		}
		names, ok := groups[subject]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if parts[len(parts)-1] != "memberOf" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": subject, "mail": subject + "@corp.example"})
			return
		}
		value := make([]map[string]string, 0, len(names))
		for _, n := range names {
			value = append(value, map[string]string{"id": "id-" + n, "displayName": n})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"value": value})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type emptyTimeline struct{}

func (emptyTimeline) Timeline(ctx context.Context, q audit.TimelineQuery) ([]audit.TimelineRow, error) {
	return nil, nil
}

type stack struct {
	router http.Handler
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()
	cfg := &Config{AppEnv: "test", ImpersonationRateLimit: 100}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	grants := rbac.NewService(rbac.NewMemoryRepository(), logger)
	require.NoError(t, grants.AssignRoleToGroup(ctx, "Helpdesk", "support"))
	require.NoError(t, grants.AssignPermissionToRole(ctx, "support", rbac.PermissionKey{Module: "admin", Action: "impersonate"}))
	require.NoError(t, grants.AssignPermissionToGroup(ctx, "Inspectors", rbac.PermissionKey{Module: "inspections", Action: "view"}))
	require.NoError(t, grants.AssignRoleToGroup(ctx, "Access Admins", "access-admin"))
	require.NoError(t, grants.AssignPermissionToRole(ctx, "access-admin", rbac.PermissionKey{Module: "admin", Action: rbac.ManageAction}))

	graph := newDirectory(t, map[string][]string{
		"admin-id":  {"Helpdesk"},
		"clerk-id":  {"Clerks"},
		"target-id": {"Inspectors"},
		"owner-id":  {"Access Admins"},
	})
	dir, err := directory.NewClient(directory.Config{BaseURL: graph.URL, Timeout: time.Second})
	require.NoError(t, err)

	tokenService := tokens.NewService(tokens.NewRedisStore(client, time.Hour), passthroughRefresher{}, time.Minute, logger, metrics)
	resolver := access.NewResolver(tokenService, dir, grants, access.Config{SuperAdminGroup: "Super Admins"}, logger, metrics, nil)
	impersonations := impersonation.NewService(impersonation.NewRedisStore(client), resolver, dir, 30*time.Minute, logger, metrics, nil)
	resolver.UseImpersonations(impersonations)

	sessions := session.NewManager(client, "odyssey_session", "secret", time.Hour, false)
	router := NewRouter(RouterParams{
		Logger:               logger,
		Config:               cfg,
		Metrics:              metrics,
		Authenticator:        Authenticator{Sessions: sessions, Resolver: resolver, Logger: logger},
		SessionHandler:       session.NewHandler(sessions, tokenService, dir, logger, nil),
		MeHandler:            access.NewHandler(resolver, logger),
		ImpersonationHandler: impersonation.NewHandler(impersonations, logger),
		AdminHandler:         rbac.NewHandler(grants, logger, nil),
		AuditHandler:         audithttp.NewHandler(logger, audit.NewService(emptyTimeline{})),
		JobHandler:           jobs.NewHandler(nil, jobs.QueueDefault, logger),
	})
	return &stack{router: router}
}

func (s *stack) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *stack) signIn(t *testing.T, principalID string) string {
	t.Helper()
	body := `{"principal":{"id":"` + principalID + `"},"access_token":"token-` + principalID + `","refresh_token":"r","expires_in":3600}`
	rec := s.do(t, http.MethodPost, "/auth/session", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.SessionID
}

func decodeSet(t *testing.T, rec *httptest.ResponseRecorder) access.EffectivePermissionSet {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var set access.EffectivePermissionSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	return set
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnonymousRequestsGetRedirectSignal(t *testing.T) {
	s := newStack(t)
	for _, path := range []string{"/me/permissions", "/me/token", "/admin/groups"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		var problem httpx.ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, httpx.LoginPath, problem.Redirect)
	}

	rec := s.do(t, http.MethodGet, "/me/permissions", "", map[string]string{session.HeaderName: "unknown"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignedInResolutionAndAdminGate(t *testing.T) {
	s := newStack(t)
	adminRef := s.signIn(t, "admin-id")
	clerkRef := s.signIn(t, "clerk-id")

	set := decodeSet(t, s.do(t, http.MethodGet, "/me/permissions", "", map[string]string{session.HeaderName: adminRef}))
	assert.Equal(t, "admin-id", set.UserID)
	assert.True(t, set.Can("admin", "impersonate"))

	rec := s.do(t, http.MethodGet, "/admin/groups", "", map[string]string{session.HeaderName: adminRef})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/admin/jobs/health", "", map[string]string{session.HeaderName: adminRef})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/admin/audit", "", map[string]string{session.HeaderName: adminRef})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/admin/groups", "", map[string]string{session.HeaderName: clerkRef})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodGet, "/admin/audit", "", map[string]string{session.HeaderName: clerkRef})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/me/token", "", map[string]string{session.HeaderName: clerkRef})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "token-clerk-id")

	rec = s.do(t, http.MethodDelete, "/auth/session", "", map[string]string{session.HeaderName: clerkRef})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/me/permissions", "", map[string]string{session.HeaderName: clerkRef})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestImpersonationOverlayThroughHeaderAndQuery(t *testing.T) {
	s := newStack(t)
	adminRef := s.signIn(t, "admin-id")
	clerkRef := s.signIn(t, "clerk-id")

	rec := s.do(t, http.MethodPost, "/impersonation", `{"target":"target-id"}`, map[string]string{session.HeaderName: clerkRef})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/impersonation", `{"target":"target-id"}`, map[string]string{session.HeaderName: adminRef})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var begun struct {
		SessionID string `json:"session_id"`
		LaunchURL string `json:"launch_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &begun))

	set := decodeSet(t, s.do(t, http.MethodGet, "/me/permissions", "", map[string]string{
		session.HeaderName:  adminRef,
		ImpersonationHeader: begun.SessionID,
	}))
	assert.Equal(t, "target-id", set.UserID)
	assert.True(t, set.Can("inspections", "view"))
	assert.False(t, set.Can("admin", "impersonate"))
	require.NotNil(t, set.Impersonation)
	assert.Equal(t, "admin-id", set.Impersonation.Actor.ID)

	set = decodeSet(t, s.do(t, http.MethodGet, "/me/permissions?"+impersonation.QueryParam+"="+begun.SessionID, "", map[string]string{session.HeaderName: adminRef}))
	assert.Equal(t, "target-id", set.UserID)

	// Another principal presenting the id sees only their own set.
	set = decodeSet(t, s.do(t, http.MethodGet, "/me/permissions", "", map[string]string{
		session.HeaderName:  clerkRef,
		ImpersonationHeader: begun.SessionID,
	}))
	assert.Equal(t, "clerk-id", set.UserID)
	assert.Nil(t, set.Impersonation)

	// The token endpoint always answers for the actor.
	rec = s.do(t, http.MethodGet, "/me/token", "", map[string]string{session.HeaderName: adminRef, ImpersonationHeader: begun.SessionID})
	assert.Contains(t, rec.Body.String(), "token-admin-id")

	rec = s.do(t, http.MethodDelete, "/impersonation/"+begun.SessionID, "", map[string]string{session.HeaderName: adminRef})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	set = decodeSet(t, s.do(t, http.MethodGet, "/me/permissions", "", map[string]string{
		session.HeaderName:  adminRef,
		ImpersonationHeader: begun.SessionID,
	}))
	assert.Equal(t, "admin-id", set.UserID)
}

func TestAdminWritesNeedManagePermission(t *testing.T) {
	s := newStack(t)
	supportRef := s.signIn(t, "admin-id")
	ownerRef := s.signIn(t, "owner-id")
	support := map[string]string{session.HeaderName: supportRef}

	writes := []struct{ method, path, body string }{
		{http.MethodPut, "/admin/groups/Helpdesk/permissions/inspections/edit", ""},
		{http.MethodPut, "/admin/groups/Helpdesk/roles/super-admin", ""},
		{http.MethodPost, "/admin/groups", `{"name":"Helpdesk Plus"}`},
		{http.MethodPost, "/admin/seed", "groups:\n  - name: Helpdesk\n    permissions: [\"admin:manage\"]\n"},
	}
	for _, w := range writes {
		rec := s.do(t, w.method, w.path, w.body, support)
		assert.Equal(t, http.StatusForbidden, rec.Code, w.method+" "+w.path)
	}

	rec := s.do(t, http.MethodGet, "/admin/groups", "", support)
	assert.Equal(t, http.StatusOK, rec.Code)

	set := decodeSet(t, s.do(t, http.MethodGet, "/me/permissions", "", support))
	assert.False(t, set.Can("inspections", "edit"))
	assert.False(t, set.IsSuperAdmin)

	rec = s.do(t, http.MethodPut, "/admin/groups/Helpdesk/permissions/inspections/edit", "", map[string]string{session.HeaderName: ownerRef})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	set = decodeSet(t, s.do(t, http.MethodGet, "/me/permissions", "", support))
	assert.True(t, set.Can("inspections", "edit"))
}

func TestSignInCannotClaimAnotherPrincipal(t *testing.T) {
	s := newStack(t)
	adminRef := s.signIn(t, "admin-id")

	forged := `{"principal":{"id":"admin-id"},"access_token":"token-clerk-id","refresh_token":"r","expires_in":3600}`
	rec := s.do(t, http.MethodPost, "/auth/session", forged, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/auth/session", `{"access_token":"token-nobody","expires_in":3600}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/me/token", "", map[string]string{session.HeaderName: adminRef})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "token-admin-id")

	set := decodeSet(t, s.do(t, http.MethodGet, "/me/permissions", "", map[string]string{session.HeaderName: adminRef}))
	assert.Equal(t, "admin-id", set.UserID)
	assert.True(t, set.Can("admin", "impersonate"))
	assert.Equal(t, []string{"Helpdesk"}, set.Groups)
}
