// Package protocol defines the message vocabulary exchanged between the sync
// orchestrator and its worker.
//
// The vocabulary is closed: Command and Event are sealed interfaces and every
// message kind has its own struct. Messages only ever cross the boundary in
// encoded form (see Pipe), so the two sides never share memory.
package protocol

import (
	"math"
	"strconv"
	"time"
)

// Kind tags a message on the wire.
type Kind string

const (
	KindStart        Kind = "start"
	KindCancel       Kind = "cancel"
	KindStarted      Kind = "started"
	KindProgress     Kind = "progress"
	KindMarkUploaded Kind = "mark_uploaded"
	KindCompleted    Kind = "completed"
	KindCancelled    Kind = "cancelled"
	KindFailed       Kind = "failed"
)

// Command is a message from the orchestrator to the worker.
type Command interface {
	Kind() Kind
	Run() string
	isCommand()
}

// Event is a message from the worker to the orchestrator.
type Event interface {
	Kind() Kind
	Run() string
	isEvent()
}

// Upload is the worker's copy of one record.
type Upload struct {
	ID         int64     `json:"id"`
	Owner      string    `json:"owner"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// Label is the human readable name of an upload used in progress reports.
func (u Upload) Label() string {
	return "Record #" + strconv.FormatInt(u.ID, 10) + " by " + u.Owner
}

// Start hands a batch and the run's credential to the worker.
type Start struct {
	RunID      string   `json:"run_id"`
	Uploads    []Upload `json:"uploads"`
	Credential string   `json:"credential,omitempty"`
}

// Cancel asks the worker to stop before the next record.
type Cancel struct {
	RunID string `json:"run_id"`
}

// Started acknowledges a Start command.
type Started struct {
	RunID string `json:"run_id"`
	Total int    `json:"total"`
}

// Progress is emitted before each upload attempt.
type Progress struct {
	RunID        string `json:"run_id"`
	CurrentIndex int    `json:"current_index"`
	TotalCount   int    `json:"total_count"`
	Label        string `json:"label"`
	Percentage   int    `json:"percentage"`
}

// MarkUploaded reports that the remote accepted record ID.
type MarkUploaded struct {
	RunID string `json:"run_id"`
	ID    int64  `json:"id"`
}

// Completed is the terminal event of a run that exhausted its batch.
type Completed struct {
	RunID   string  `json:"run_id"`
	Summary Summary `json:"summary"`
}

// Cancelled is the terminal event of a run that observed cancellation.
type Cancelled struct {
	RunID   string  `json:"run_id"`
	Summary Summary `json:"summary"`
}

// Failed is the terminal event of a run that broke down as a whole.
type Failed struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// RecordError is a per-record failure.
type RecordError struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// Summary is the outcome of a run.
type Summary struct {
	SuccessCount int           `json:"success_count"`
	ErrorCount   int           `json:"error_count"`
	Errors       []RecordError `json:"errors"`
}

// NewProgress builds a progress event for the 1-based index i of total.
func NewProgress(runID string, i, total int, label string) Progress {
	return Progress{
		RunID:        runID,
		CurrentIndex: i,
		TotalCount:   total,
		Label:        label,
		Percentage:   Percentage(i, total),
	}
}

// Percentage returns round(i/total*100); 0 when total is 0.
func Percentage(i, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(i) / float64(total) * 100))
}

func (Start) Kind() Kind        { return KindStart }
func (Cancel) Kind() Kind       { return KindCancel }
func (Started) Kind() Kind      { return KindStarted }
func (Progress) Kind() Kind     { return KindProgress }
func (MarkUploaded) Kind() Kind { return KindMarkUploaded }
func (Completed) Kind() Kind    { return KindCompleted }
func (Cancelled) Kind() Kind    { return KindCancelled }
func (Failed) Kind() Kind       { return KindFailed }

func (m Start) Run() string        { return m.RunID }
func (m Cancel) Run() string       { return m.RunID }
func (m Started) Run() string      { return m.RunID }
func (m Progress) Run() string     { return m.RunID }
func (m MarkUploaded) Run() string { return m.RunID }
func (m Completed) Run() string    { return m.RunID }
func (m Cancelled) Run() string    { return m.RunID }
func (m Failed) Run() string       { return m.RunID }

func (Start) isCommand()  {}
func (Cancel) isCommand() {}

func (Started) isEvent()      {}
func (Progress) isEvent()     {}
func (MarkUploaded) isEvent() {}
func (Completed) isEvent()    {}
func (Cancelled) isEvent()    {}
func (Failed) isEvent()       {}

// Terminal reports whether e ends a run.
func Terminal(e Event) bool {
	switch e.(type) {
	case Completed, Cancelled, Failed:
		return true
	default:
		return false
	}
}
