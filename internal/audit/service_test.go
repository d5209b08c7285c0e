package audit

import (
	"context"
	"strings"
	"testing"
	"time"
)

type stubTimelineRepo struct {
	rows      []TimelineRow
	lastQuery TimelineQuery
}

func (s *stubTimelineRepo) Timeline(ctx context.Context, q TimelineQuery) ([]TimelineRow, error) {
	s.lastQuery = q
	if q.Limit < len(s.rows) {
		return s.rows[:q.Limit], nil
	}
	return s.rows, nil
}

func mockRow(at, actor, action string) TimelineRow {
	ts, _ := time.Parse(time.RFC3339, at)
	return TimelineRow{At: ts, ActorID: actor, Action: action, Entity: "impersonation"}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{
		mockRow("2026-03-10T10:00:00Z", "admin-id", ActionImpersonationBegin),
		mockRow("2026-03-09T09:00:00Z", "admin-id", ActionImpersonationEnd),
		mockRow("2026-03-08T08:00:00Z", "clerk-id", ActionImpersonationDenied),
	}}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		From:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Actor:    "admin-id",
		Page:     1,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected next page 2, got %+v", result.Paging)
	}
	if repo.lastQuery.Limit != 3 || repo.lastQuery.Offset != 0 {
		t.Fatalf("unexpected window %+v", repo.lastQuery)
	}
	if repo.lastQuery.Actor != "admin-id" {
		t.Fatalf("actor filter not forwarded: %+v", repo.lastQuery)
	}
}

func TestServiceTimelineClampsPaging(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 1000})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if result.Paging.PageSize != maxPageSize {
		t.Fatalf("expected page size %d, got %d", maxPageSize, result.Paging.PageSize)
	}
	if repo.lastQuery.Offset != 2*maxPageSize {
		t.Fatalf("expected offset %d, got %d", 2*maxPageSize, repo.lastQuery.Offset)
	}
	if result.Paging.PrevPage != 2 || result.Paging.HasNext {
		t.Fatalf("unexpected paging %+v", result.Paging)
	}
}

func TestServiceExportUsesCap(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{mockRow("2026-03-10T10:00:00Z", "admin-id", ActionRBACChange)}}
	rows, err := NewService(repo).Export(context.Background(), TimelineFilters{Action: ActionRBACChange})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(rows) != 1 || repo.lastQuery.Limit != MaxExportRows {
		t.Fatalf("unexpected export %d rows, query %+v", len(rows), repo.lastQuery)
	}
}

func TestWriteCSV(t *testing.T) {
	row := mockRow("2026-03-10T10:00:00Z", "admin-id", ActionImpersonationBegin)
	row.SubjectID = "target-id"
	row.Meta = map[string]any{"expires_at": "2026-03-10T10:30:00Z"}
	data, err := WriteCSV([]TimelineRow{row})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", data)
	}
	if lines[0] != "occurred_at,actor_id,subject_id,action,entity,entity_id,meta" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2026-03-10T10:00:00Z,admin-id,target-id,impersonation.begin,impersonation,,") {
		t.Fatalf("unexpected row %q", lines[1])
	}
}
