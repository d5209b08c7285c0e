package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAccessAudit persists one access-control audit event.
	TaskTypeAccessAudit = "access:audit"
)

// NewAccessAuditTask constructs an Asynq task carrying event.
func NewAccessAuditTask(event audit.Event) (*asynq.Task, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAccessAudit, data, asynq.MaxRetry(5)), nil
}

// AuditWriter persists decoded events.
type AuditWriter interface {
	Write(ctx context.Context, event audit.Event) error
}

// AccessAuditJob processes TaskTypeAccessAudit tasks.
type AccessAuditJob struct {
	Writer  AuditWriter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle decodes the event and writes it. Malformed payloads are not retried.
func (j *AccessAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Writer == nil {
		return errors.New("access audit: handler not configured")
	}
	return j.Metrics.Track(TaskTypeAccessAudit).End(j.handle(ctx, t))
}

func (j *AccessAuditJob) handle(ctx context.Context, t *asynq.Task) error {
	var event audit.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("access audit: decode: %v: %w", err, asynq.SkipRetry)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("access audit: %v: %w", err, asynq.SkipRetry)
	}
	if err := j.Writer.Write(ctx, event); err != nil {
		j.logger().Warn("access audit write failed",
			slog.String("action", event.Action),
			slog.String("actor_id", event.ActorID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (j *AccessAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
