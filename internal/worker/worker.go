// Package worker uploads a batch of records one at a time on behalf of the
// orchestrator. It talks to the orchestrator only through a protocol.Pipe and
// never touches the record store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/loykin/syncq/internal/protocol"
	"github.com/loykin/syncq/internal/remote"
)

// Worker executes one run per call to Run.
type Worker struct {
	endpoint remote.Endpoint
	logger   *slog.Logger
}

// New returns a worker uploading through ep. A nil logger uses slog.Default.
func New(ep remote.Endpoint, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{endpoint: ep, logger: logger}
}

// Run waits for a Start command, uploads the batch and emits exactly one
// terminal event. It returns when the run ends, the pipe closes or ctx is
// cancelled; the latter two are the hard stop and emit nothing further.
func (w *Worker) Run(ctx context.Context, pipe *protocol.Pipe) error {
	cmd, err := pipe.RecvCommand(ctx)
	if err != nil {
		return err
	}
	start, ok := cmd.(protocol.Start)
	if !ok {
		err := fmt.Errorf("worker: expected start, got %s", cmd.Kind())
		_ = pipe.SendEvent(ctx, protocol.Failed{RunID: cmd.Run(), Error: err.Error()})
		return err
	}
	if err := pipe.SendEvent(ctx, protocol.Started{RunID: start.RunID, Total: len(start.Uploads)}); err != nil {
		return err
	}

	var cancelled atomic.Bool
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go w.listen(listenCtx, pipe, start.RunID, &cancelled)

	terminal, err := w.upload(ctx, pipe, start, &cancelled)
	if err != nil {
		return err
	}
	return pipe.SendEvent(ctx, terminal)
}

// listen sets the cancellation flag when a Cancel for runID arrives.
func (w *Worker) listen(ctx context.Context, pipe *protocol.Pipe, runID string, cancelled *atomic.Bool) {
	for {
		cmd, err := pipe.RecvCommand(ctx)
		if err != nil {
			if !errors.Is(err, protocol.ErrClosed) && ctx.Err() == nil {
				w.logger.Warn("worker dropped command", "run_id", runID, "error", err)
				continue
			}
			return
		}
		if c, ok := cmd.(protocol.Cancel); ok && c.RunID == runID {
			cancelled.Store(true)
			return
		}
	}
}

// upload walks the batch and returns the terminal event to emit. A non-nil
// error means the pipe or ctx is gone and nothing more can be sent.
func (w *Worker) upload(ctx context.Context, pipe *protocol.Pipe, start protocol.Start, cancelled *atomic.Bool) (ev protocol.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic", "run_id", start.RunID, "panic", r, "stack", string(debug.Stack()))
			ev, err = protocol.Failed{RunID: start.RunID, Error: fmt.Sprintf("worker panic: %v", r)}, nil
		}
	}()

	total := len(start.Uploads)
	summary := protocol.Summary{Errors: []protocol.RecordError{}}
	for i, u := range start.Uploads {
		if cancelled.Load() {
			return protocol.Cancelled{RunID: start.RunID, Summary: summary}, nil
		}
		if err := pipe.SendEvent(ctx, protocol.NewProgress(start.RunID, i+1, total, u.Label())); err != nil {
			return nil, err
		}
		if err := w.endpoint.CreateRecord(ctx, u, start.Credential); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.logger.Debug("record upload failed", "run_id", start.RunID, "id", u.ID, "error", err)
			summary.ErrorCount++
			summary.Errors = append(summary.Errors, protocol.RecordError{ID: u.ID, Message: err.Error()})
			continue
		}
		if err := pipe.SendEvent(ctx, protocol.MarkUploaded{RunID: start.RunID, ID: u.ID}); err != nil {
			return nil, err
		}
		summary.SuccessCount++
	}
	return protocol.Completed{RunID: start.RunID, Summary: summary}, nil
}
