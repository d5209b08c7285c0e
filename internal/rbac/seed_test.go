package rbac

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSeed = `
permissions:
  - {module: inspections, action: view, description: View inspections}
  - {module: admin, action: impersonate, description: Act as another user}
roles:
  - name: inspector
    display_name: Inspector
    permissions: ["inspections:view", "inspections:edit"]
  - name: support
    permissions: ["admin:impersonate"]
groups:
  - name: Field Inspectors
    description: Inspectors in the field
    roles: [inspector]
    permissions: ["vault:view"]
  - name: Helpdesk
    roles: [support]
`

func TestLoadAndApplySeed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seed, err := LoadSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)
	require.Len(t, seed.Roles, 2)

	result, err := svc.ApplySeed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Permissions: 2, Roles: 2, Groups: 2, Links: 6}, result)

	grants, err := svc.ResolveRolesAndPermissions(ctx, []string{"Field Inspectors"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inspections:view", "inspections:edit", "vault:view"}, permissionKeys(grants.Permissions))

	grants, err = svc.ResolveRolesAndPermissions(ctx, []string{"helpdesk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin:impersonate"}, permissionKeys(grants.Permissions))
}

func TestApplySeedTwiceIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed, err := LoadSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)

	_, err = svc.ApplySeed(ctx, seed)
	require.NoError(t, err)
	before, err := svc.ListPermissions(ctx)
	require.NoError(t, err)

	_, err = svc.ApplySeed(ctx, seed)
	require.NoError(t, err)
	after, err := svc.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadSeedRejectsUnknownKeys(t *testing.T) {
	_, err := LoadSeed(strings.NewReader("rolez: []\n"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadSeedEmpty(t *testing.T) {
	seed, err := LoadSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, seed.Groups)
}

func TestApplySeedRejectsMalformedPermission(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ApplySeed(context.Background(), Seed{Roles: []SeedRole{{Name: "broken", Permissions: []string{"no-colon"}}}})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParsePermissionKey(t *testing.T) {
	key, err := ParsePermissionKey(" Vault:Export ")
	require.NoError(t, err)
	assert.Equal(t, PermissionKey{Module: "vault", Action: "export"}, key)

	for _, raw := range []string{"", "vault", ":view", "vault:"} {
		_, err := ParsePermissionKey(raw)
		assert.ErrorIs(t, err, ErrInvalid, raw)
	}
}

func TestBundledSeedApplies(t *testing.T) {
	f, err := os.Open(filepath.Join("..", "..", "deploy", "seed", "rbac.yaml"))
	require.NoError(t, err)
	defer f.Close()

	seed, err := LoadSeed(f)
	require.NoError(t, err)

	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err = svc.ApplySeed(ctx, seed)
	require.NoError(t, err)

	grants, err := svc.ResolveRolesAndPermissions(ctx, []string{"Portal Helpdesk"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin:view", "admin:impersonate"}, permissionKeys(grants.Permissions))

	grants, err = svc.ResolveRolesAndPermissions(ctx, []string{"Portal Access Admins"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin:view", "admin:manage"}, permissionKeys(grants.Permissions))
}
