package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

const seedYAML = `
roles:
  - name: inspector
    permissions: ["inspections:view"]
groups:
  - name: Field Inspectors
    roles: [inspector]
    permissions: ["vault:read"]
`

type recordingMigrator struct {
	calls []string
}

func (m *recordingMigrator) Up(ctx context.Context) error {
	m.calls = append(m.calls, "up")
	return nil
}

func (m *recordingMigrator) Down(ctx context.Context) error {
	m.calls = append(m.calls, "down")
	return nil
}

func (m *recordingMigrator) Status(ctx context.Context) error {
	m.calls = append(m.calls, "status")
	return nil
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

type harness struct {
	deps     Deps
	migrator *recordingMigrator
	grants   *rbac.Service
	releases int
}

func newHarness(inspector jobs.QueueInspector) *harness {
	h := &harness{
		migrator: &recordingMigrator{},
		grants:   rbac.NewService(rbac.NewMemoryRepository(), slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	release := func() { h.releases++ }
	h.deps = Deps{
		Migrator: func(ctx context.Context) (Migrator, func(), error) { return h.migrator, release, nil },
		Grants:   func(ctx context.Context) (*rbac.Service, func(), error) { return h.grants, release, nil },
		Inspector: func(ctx context.Context) (jobs.QueueInspector, string, func(), error) {
			return inspector, "access", release, nil
		},
	}
	return h
}

func run(t *testing.T, h *harness, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd(h.deps)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMigrateSubcommands(t *testing.T) {
	h := newHarness(nil)
	out, err := run(t, h, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")

	_, err = run(t, h, "migrate", "down")
	require.NoError(t, err)
	_, err = run(t, h, "migrate", "status")
	require.NoError(t, err)

	assert.Equal(t, []string{"up", "down", "status"}, h.migrator.calls)
	assert.Equal(t, 3, h.releases)
}

func TestSeedAppliesAndReportsCounts(t *testing.T) {
	h := newHarness(nil)
	path := writeSeed(t, seedYAML)

	out, err := run(t, h, "seed", path, "-o", "json")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "applied", body["status"])
	assert.EqualValues(t, 3, body["links"])

	out, err = run(t, h, "grants", "field inspectors")
	require.NoError(t, err)
	assert.Contains(t, out, "roles: inspector")
	assert.Contains(t, out, "inspections:view")
	assert.Contains(t, out, "vault:read")
}

func TestSeedDryRunLeavesStoreUntouched(t *testing.T) {
	h := newHarness(nil)
	path := writeSeed(t, seedYAML)

	out, err := run(t, h, "seed", "--dry-run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "seed validated: 0 permissions, 1 roles, 1 groups")

	groups, err := h.grants.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestSeedRejectsUnknownKeys(t *testing.T) {
	h := newHarness(nil)
	path := writeSeed(t, "rolez: []\n")
	_, err := run(t, h, "seed", path)
	require.ErrorIs(t, err, rbac.ErrInvalid)
}

func TestQueueStats(t *testing.T) {
	h := newHarness(stubInspector{info: &asynq.QueueInfo{Queue: "access", Pending: 2, Retry: 1}})
	out, err := run(t, h, "queue", "stats")
	require.NoError(t, err)
	assert.Equal(t, "queue=access pending=2 active=0 scheduled=0 retry=1 archived=0\n", out)

	h = newHarness(stubInspector{err: asynq.ErrQueueNotFound})
	out, err = run(t, h, "queue", "stats", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"queue": "access"`)

	h = newHarness(stubInspector{err: errors.New("redis down")})
	_, err = run(t, h, "queue", "stats")
	require.Error(t, err)
}

func TestRejectsUnknownOutput(t *testing.T) {
	_, err := run(t, newHarness(nil), "grants", "x", "-o", "yaml")
	require.Error(t, err)
}
