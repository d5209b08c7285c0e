package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// TimelineFilters narrows the audit timeline.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Subject  string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one audit record as read back from the store.
type TimelineRow struct {
	ID        int64          `json:"id"`
	At        time.Time      `json:"at"`
	ActorID   string         `json:"actor_id"`
	SubjectID string         `json:"subject_id,omitempty"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// PagingInfo is simple offset paging metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// TimelineQuery is what the repository executes.
type TimelineQuery struct {
	From    time.Time
	To      time.Time
	Actor   string
	Subject string
	Action  string
	Offset  int
	Limit   int
}

// Repository reads audit rows newest first.
type Repository interface {
	Timeline(ctx context.Context, q TimelineQuery) ([]TimelineRow, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGTimeline reads audit_logs.
type PGTimeline struct {
	db querier
}

// NewPGTimeline returns a Repository over a pgx pool.
func NewPGTimeline(db querier) *PGTimeline {
	return &PGTimeline{db: db}
}

const timelineSQL = `
SELECT id, occurred_at, actor_id, subject_id, action, entity, entity_id, meta
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::text IS NULL OR actor_id = $3)
  AND ($4::text IS NULL OR subject_id = $4)
  AND ($5::text IS NULL OR action = $5)
ORDER BY occurred_at DESC, id DESC
OFFSET $6 LIMIT $7`

// Timeline implements Repository.
func (p *PGTimeline) Timeline(ctx context.Context, q TimelineQuery) ([]TimelineRow, error) {
	rows, err := p.db.Query(ctx, timelineSQL,
		toPgTime(q.From), toPgTime(q.To),
		optionalText(q.Actor), optionalText(q.Subject), optionalText(q.Action),
		q.Offset, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var (
			r    TimelineRow
			meta []byte
		)
		if err := row.Scan(&r.ID, &r.At, &r.ActorID, &r.SubjectID, &r.Action, &r.Entity, &r.EntityID, &meta); err != nil {
			return TimelineRow{}, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Meta); err != nil {
				return TimelineRow{}, err
			}
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: timeline scan: %w", err)
	}
	return out, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

var _ Repository = (*PGTimeline)(nil)
