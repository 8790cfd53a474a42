// Package progress reports sync runs to whoever is watching: a terminal in
// the foreground, or asynchronous notifications once the run has been sent
// to the background.
package progress

import (
	"fmt"
	"sync"

	"github.com/loykin/syncq/internal/protocol"
)

// Reporter receives the user-visible milestones of a run. Implementations
// must return quickly; they are called from the orchestrator's goroutine.
type Reporter interface {
	Progress(protocol.Progress)
	Completed(protocol.Summary)
	Failed(error)
	Cancelled()
}

// Mode selects how a Switch renders.
type Mode int

const (
	ModeForeground Mode = iota
	ModeBackground
)

func (m Mode) String() string {
	if m == ModeBackground {
		return "background"
	}
	return "foreground"
}

// ModeSetter is implemented by reporters that can change mode mid-run.
type ModeSetter interface {
	SetMode(Mode)
}

// Kind classifies a Notification.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Notification is a rendered reporter event.
type Notification struct {
	Kind     Kind               `json:"kind"`
	Message  string             `json:"message"`
	Progress *protocol.Progress `json:"progress,omitempty"`
	Summary  *protocol.Summary  `json:"summary,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Terminal reports whether n ends a run.
func (n Notification) Terminal() bool { return n.Kind != KindProgress }

func ProgressText(p protocol.Progress) string {
	return fmt.Sprintf("Uploading %s (%d%%)", p.Label, p.Percentage)
}

func CompletedText(s protocol.Summary) string {
	if s.ErrorCount == 0 {
		return fmt.Sprintf("Successfully uploaded %d record(s)!", s.SuccessCount)
	}
	return fmt.Sprintf("Upload completed with errors: %d succeeded, %d failed", s.SuccessCount, s.ErrorCount)
}

func FailedText(err error) string { return "Upload failed: " + errString(err) }

const CancelledText = "Upload cancelled"

func progressNotification(p protocol.Progress) Notification {
	return Notification{Kind: KindProgress, Message: ProgressText(p), Progress: &p}
}

func completedNotification(s protocol.Summary) Notification {
	return Notification{Kind: KindCompleted, Message: CompletedText(s), Summary: &s}
}

func failedNotification(err error) Notification {
	return Notification{Kind: KindFailed, Message: FailedText(err), Error: errString(err)}
}

func cancelledNotification() Notification {
	return Notification{Kind: KindCancelled, Message: CancelledText}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Progress(protocol.Progress) {}
func (Nop) Completed(protocol.Summary) {}
func (Nop) Failed(error)               {}
func (Nop) Cancelled()                 {}

// Multi fans every call out to each reporter in order.
type Multi []Reporter

func (m Multi) Progress(p protocol.Progress) {
	for _, r := range m {
		r.Progress(p)
	}
}

func (m Multi) Completed(s protocol.Summary) {
	for _, r := range m {
		r.Completed(s)
	}
}

func (m Multi) Failed(err error) {
	for _, r := range m {
		r.Failed(err)
	}
}

func (m Multi) Cancelled() {
	for _, r := range m {
		r.Cancelled()
	}
}

// SetMode forwards to every member that supports it.
func (m Multi) SetMode(mode Mode) {
	for _, r := range m {
		if ms, ok := r.(ModeSetter); ok {
			ms.SetMode(mode)
		}
	}
}

// Switch routes to its foreground reporter until switched to background.
type Switch struct {
	mu   sync.Mutex
	mode Mode
	fg   Reporter
	bg   Reporter
}

// NewSwitch returns a Switch in foreground mode.
func NewSwitch(fg, bg Reporter) *Switch {
	if fg == nil {
		fg = Nop{}
	}
	if bg == nil {
		bg = Nop{}
	}
	return &Switch{fg: fg, bg: bg}
}

func (s *Switch) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *Switch) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Switch) current() Reporter {
	if s.Mode() == ModeBackground {
		return s.bg
	}
	return s.fg
}

func (s *Switch) Progress(p protocol.Progress)   { s.current().Progress(p) }
func (s *Switch) Completed(sum protocol.Summary) { s.current().Completed(sum) }
func (s *Switch) Failed(err error)               { s.current().Failed(err) }
func (s *Switch) Cancelled()                     { s.current().Cancelled() }
