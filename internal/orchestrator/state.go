package orchestrator

import (
	"errors"
	"time"

	"github.com/loykin/syncq/internal/protocol"
)

var (
	ErrRunInProgress = errors.New("sync run already in progress")
	ErrNothingToSync = errors.New("nothing to sync")
	ErrNoActiveRun   = errors.New("no active sync run")
	ErrStartTimeout  = errors.New("sync worker did not acknowledge start")
	ErrWorkerFailed  = errors.New("sync worker failed")
	ErrShutdown      = errors.New("orchestrator shutting down")
	ErrUnknownRun    = errors.New("unknown sync run")
)

// State of the orchestrator. A cancelled run restores Idle; Completed and
// Failed stay visible until the next start.
//
// Idle -> Starting -> Running -> Completed | Cancelled | Failed
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a run is in flight.
func (s State) Active() bool { return s == StateStarting || s == StateRunning }

// Run is the orchestrator's projection of one sync run.
type Run struct {
	RunID        string                 `json:"run_id"`
	State        State                  `json:"state"`
	Total        int                    `json:"total"`
	CurrentIndex int                    `json:"current_index"`
	SuccessCount int                    `json:"success_count"`
	Failures     []protocol.RecordError `json:"failures"`
	Cancelled    bool                   `json:"cancelled"`
	Background   bool                   `json:"background"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at,omitempty"`
	Err          error                  `json:"-"`
}

// ErrorString is Err as text, empty when the run did not fail.
func (r Run) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func (r Run) clone() Run {
	if r.Failures != nil {
		r.Failures = append([]protocol.RecordError(nil), r.Failures...)
	}
	return r
}
