package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
	block chan struct{}
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Queue: QueueDefault, Type: task.Type()}, nil
}

func (f *fakeEnqueuer) recorded() []*asynq.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*asynq.Task(nil), f.tasks...)
}

func TestAuditDispatcherEnqueuesEvent(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := NewAuditDispatcher(enq, "audit", nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	d.Record(context.Background(), audit.Event{ActorID: "alice", Action: audit.ActionImpersonationBegin, Entity: "impersonation", EntityID: "s1"})
	d.Wait()

	tasks := enq.recorded()
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskTypeAccessAudit, tasks[0].Type())

	var ev audit.Event
	require.NoError(t, json.Unmarshal(tasks[0].Payload(), &ev))
	assert.Equal(t, "alice", ev.ActorID)
	assert.True(t, fixed.Equal(ev.At))
}

func TestAuditDispatcherDoesNotBlockCaller(t *testing.T) {
	enq := &fakeEnqueuer{block: make(chan struct{})}
	d := NewAuditDispatcher(enq, "", nil)

	done := make(chan struct{})
	go func() {
		d.Record(context.Background(), audit.Event{ActorID: "alice", Action: "x", Entity: "y"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on enqueue")
	}
	close(enq.block)
	d.Wait()
	assert.Len(t, enq.recorded(), 1)
}

func TestAuditDispatcherSurvivesCallerCancellation(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := NewAuditDispatcher(enq, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Record(ctx, audit.Event{ActorID: "alice", Action: "x", Entity: "y"})
	d.Wait()
	assert.Len(t, enq.recorded(), 1)
}

func TestAuditDispatcherSwallowsFailures(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	d := NewAuditDispatcher(enq, "", nil)

	d.Record(context.Background(), audit.Event{ActorID: "alice", Action: "x", Entity: "y"})
	d.Record(context.Background(), audit.Event{Action: "missing actor"})
	d.Wait()
	assert.Empty(t, enq.recorded())
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *AuditDispatcher
	d.Record(context.Background(), audit.Event{ActorID: "a", Action: "x", Entity: "y"})
	d.Wait()
}

type memoryWriter struct {
	events []audit.Event
	err    error
}

func (m *memoryWriter) Write(ctx context.Context, event audit.Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func TestAccessAuditJobHandle(t *testing.T) {
	writer := &memoryWriter{}
	job := &AccessAuditJob{Writer: writer}

	task, err := NewAccessAuditTask(audit.Event{ActorID: "alice", SubjectID: "bob", Action: audit.ActionImpersonationEnd, Entity: "impersonation"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, writer.events, 1)
	assert.Equal(t, "bob", writer.events[0].SubjectID)
}

func TestAccessAuditJobSkipsRetryOnBadPayload(t *testing.T) {
	job := &AccessAuditJob{Writer: &memoryWriter{}}

	err := job.Handle(context.Background(), asynq.NewTask(TaskTypeAccessAudit, []byte("{nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeAccessAudit, []byte(`{"action":"x"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAccessAuditJobRetriesWriteFailure(t *testing.T) {
	job := &AccessAuditJob{Writer: &memoryWriter{err: errors.New("db down")}}
	task, err := NewAccessAuditTask(audit.Event{ActorID: "alice", Action: "x", Entity: "y"})
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestAccessAuditJobTracksRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	job := &AccessAuditJob{Writer: &memoryWriter{}, Metrics: jobmetrics.NewMetrics(reg)}
	task, err := NewAccessAuditTask(audit.Event{ActorID: "alice", Action: "x", Entity: "y"})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskTypeAccessAudit, []byte("{nope"))))

	runs, err := testutil.GatherAndCount(reg, "odyssey_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, runs, "one success series and one dropped series")
	failures, err := testutil.GatherAndCount(reg, "odyssey_jobs_failures_total")
	require.NoError(t, err)
	assert.Zero(t, failures)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		pending   int
	}{
		{name: "no inspector", status: http.StatusOK},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: "audit", Pending: 3}}, status: http.StatusOK, pending: 3},
		{name: "queue not created yet", inspector: stubInspector{err: asynq.ErrQueueNotFound}, status: http.StatusOK},
		{name: "redis down", inspector: stubInspector{err: errors.New("dial tcp")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, "audit", testLogger()).MountRoutes(r)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				var body queueHealth
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tc.pending, body.Pending)
			}
		})
	}
}
