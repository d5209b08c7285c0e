package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger writes events into audit_logs.
type Logger struct {
	db execer
}

// NewLogger returns a Logger over a pgx pool or transaction.
func NewLogger(db execer) *Logger {
	return &Logger{db: db}
}

// Write persists event.
func (l *Logger) Write(ctx context.Context, event Event) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("audit: logger not initialised")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	meta := event.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	var at any
	if !event.At.IsZero() {
		at = event.At
	}
	_, err = l.db.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, subject_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, NOW()))`,
		event.ActorID, event.SubjectID, event.Action, event.Entity, event.EntityID, metaJSON, at)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}
