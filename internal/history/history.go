package history

import (
	"context"
	"time"
)

// EventType defines the kind of run lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventCancelled EventType = "cancelled"
	EventFailed    EventType = "failed"
)

// Record is the exported view of one sync run.
type Record struct {
	RunID        string    `json:"run_id"`
	State        string    `json:"state"`
	Total        int       `json:"total"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
	Background   bool      `json:"background"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Event represents a run lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nullable returns nil for the zero time so SQL sinks store NULL.
func Nullable(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
