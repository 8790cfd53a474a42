package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/loykin/syncq/internal/protocol"
)

// Foreground renders a run as plain lines on w.
type Foreground struct {
	mu sync.Mutex
	w  io.Writer
}

func NewForeground(w io.Writer) *Foreground { return &Foreground{w: w} }

func (f *Foreground) printf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = fmt.Fprintf(f.w, format, args...)
}

func (f *Foreground) Progress(p protocol.Progress) {
	f.printf("[%d/%d] %s\n", p.CurrentIndex, p.TotalCount, ProgressText(p))
}

func (f *Foreground) Completed(s protocol.Summary) {
	f.printf("%s\n", CompletedText(s))
	for _, e := range s.Errors {
		f.printf("  record %d: %s\n", e.ID, e.Message)
	}
}

func (f *Foreground) Failed(err error) { f.printf("%s\n", FailedText(err)) }

func (f *Foreground) Cancelled() { f.printf("%s\n", CancelledText) }
