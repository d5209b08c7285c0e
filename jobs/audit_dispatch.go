package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AuditDispatcher implements audit.Recorder by enqueueing audit tasks from a detached
// goroutine. Enqueue failures are logged and dropped.
type AuditDispatcher struct {
	enqueuer Enqueuer
	queue    string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewAuditDispatcher constructs an AuditDispatcher.
func NewAuditDispatcher(enqueuer Enqueuer, queue string, logger *slog.Logger) *AuditDispatcher {
	if queue == "" {
		queue = QueueDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditDispatcher{
		enqueuer: enqueuer,
		queue:    queue,
		timeout:  3 * time.Second,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record enqueues event without blocking the caller.
func (d *AuditDispatcher) Record(ctx context.Context, event audit.Event) {
	if d == nil || d.enqueuer == nil {
		return
	}
	if event.At.IsZero() {
		event.At = d.now()
	}
	task, err := NewAccessAuditTask(event)
	if err != nil {
		d.logger.Warn("audit event dropped", slog.String("action", event.Action), slog.Any("error", err))
		return
	}
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		enqueueCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		if _, err := d.enqueuer.EnqueueContext(enqueueCtx, task, asynq.Queue(d.queue)); err != nil {
			d.logger.Warn("audit enqueue failed",
				slog.String("action", event.Action),
				slog.String("actor_id", event.ActorID),
				slog.Any("error", err),
			)
		}
	}()
}

// Wait blocks until in-flight enqueues finish. Called on shutdown.
func (d *AuditDispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

var _ audit.Recorder = (*AuditDispatcher)(nil)
