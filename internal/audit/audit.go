// Package audit records access-control events: impersonation lifecycle, admin changes and
// degraded resolutions.
package audit

import (
	"context"
	"errors"
	"time"
)

// Action names recorded by the access core.
const (
	ActionImpersonationBegin  = "impersonation.begin"
	ActionImpersonationEnd    = "impersonation.end"
	ActionImpersonationDenied = "impersonation.denied"
	ActionResolutionDegraded  = "resolution.degraded"
	ActionRBACChange          = "rbac.change"
	ActionSessionCreate       = "session.create"
	ActionSessionDestroy      = "session.destroy"
	ActionSessionRejected     = "session.rejected"
)

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("audit: event requires actor/action/entity")

// Event is one audit record.
type Event struct {
	ActorID   string         `json:"actor_id"`
	SubjectID string         `json:"subject_id,omitempty"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	At        time.Time      `json:"at"`
}

// Validate checks required fields.
func (e Event) Validate() error {
	if e.ActorID == "" || e.Action == "" || e.Entity == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Recorder accepts events without blocking the caller and never fails it.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, event Event)

func (f RecorderFunc) Record(ctx context.Context, event Event) {
	f(ctx, event)
}
