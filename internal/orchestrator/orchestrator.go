// Package orchestrator owns the sync state machine: it builds a batch, hands
// it to a worker over a protocol.Pipe, applies the worker's events to the
// record store and reports them.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/syncq/internal/history"
	"github.com/loykin/syncq/internal/metrics"
	"github.com/loykin/syncq/internal/progress"
	"github.com/loykin/syncq/internal/protocol"
	"github.com/loykin/syncq/internal/queue"
	"github.com/loykin/syncq/internal/remote"
	"github.com/loykin/syncq/internal/worker"
)

const (
	DefaultStartTimeout = 10 * time.Second
	defaultPipeBuffer   = 64
	historyTimeout      = 5 * time.Second

	// finished runs kept for WaitRun
	keepOutcomes = 8
)

// Store is the part of store.Store the orchestrator uses.
type Store interface {
	queue.Lister
	MarkUploaded(ctx context.Context, id int64) error
}

// Options configures an Orchestrator. Store and Endpoint are required.
type Options struct {
	Store    Store
	Endpoint remote.Endpoint
	// Reporter receives every run's milestones; per-run reporters passed to
	// StartSync are added to it.
	Reporter progress.Reporter
	History  []history.Sink
	Logger   *slog.Logger

	MaxBatch     int
	StartTimeout time.Duration
	// CancelGrace keeps applying MarkUploaded events for this long after a
	// cancel so an in-flight success is still recorded. Zero disposes at once.
	CancelGrace time.Duration
}

// StartOption tunes a single run.
type StartOption func(*startOptions)

type startOptions struct {
	reporter   progress.Reporter
	background bool
}

// WithReporter adds r to the reporters of this run.
func WithReporter(r progress.Reporter) StartOption {
	return func(o *startOptions) { o.reporter = r }
}

// InBackground starts the run already in background mode.
func InBackground() StartOption {
	return func(o *startOptions) { o.background = true }
}

// Orchestrator serializes every state change through a single goroutine.
//
// Lock Hierarchy:
// 1. mu protects state, the run projection, the finished channel and the
// outcomes. It is never held while calling out to the store, reporters or
// sinks.
type Orchestrator struct {
	store    Store
	reader   *queue.Reader
	endpoint remote.Endpoint
	reporter progress.Reporter
	history  []history.Sink
	logger   *slog.Logger
	opts     Options

	mu       sync.RWMutex
	state    State
	run      Run
	finished chan struct{}
	outcomes map[string]*outcome
	order    []string

	// owned by the state machine goroutine
	active *activeRun

	baseCtx    context.Context
	baseCancel context.CancelFunc
	cmdChan    chan command
	doneChan   chan struct{}

	// test hooks
	runWorker func(ctx context.Context, pipe *protocol.Pipe) error
	newRunID  func() string
}

type activeRun struct {
	id       string
	pipe     *protocol.Pipe
	cancel   context.CancelFunc
	done     chan error
	reporter progress.Reporter
}

// outcome is closed over a run's final projection once it ends.
type outcome struct {
	done chan struct{}
	run  Run
}

type action int

const (
	actionStart action = iota
	actionCancel
	actionBackground
	actionShutdown
)

type command struct {
	action     action
	ctx        context.Context
	credential string
	runID      string
	start      startOptions
	reply      chan result
}

type result struct {
	run Run
	err error
}

// New starts the state machine goroutine. Call Shutdown to stop it.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store required")
	}
	if opts.Endpoint == nil {
		return nil, fmt.Errorf("orchestrator: endpoint required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.Nop{}
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	reader := queue.NewReader(opts.Store)
	reader.MaxBatch = opts.MaxBatch

	o := &Orchestrator{
		store:    opts.Store,
		reader:   reader,
		endpoint: opts.Endpoint,
		reporter: opts.Reporter,
		history:  append([]history.Sink(nil), opts.History...),
		logger:   opts.Logger.With("component", "orchestrator"),
		opts:     opts,
		state:    StateIdle,
		outcomes: make(map[string]*outcome),
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
		newRunID: newRunID,
	}
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())
	o.runWorker = worker.New(o.endpoint, opts.Logger.With("component", "worker")).Run
	metrics.SetCurrentState(StateIdle.String(), true)

	go o.runStateMachine()
	return o, nil
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StartSync begins a run over every eligible record. It returns once the
// worker has acknowledged the batch; progress is delivered to the reporters.
func (o *Orchestrator) StartSync(ctx context.Context, credential string, opts ...StartOption) (Run, error) {
	var so startOptions
	for _, fn := range opts {
		fn(&so)
	}
	return o.do(ctx, command{action: actionStart, ctx: ctx, credential: credential, start: so})
}

// CancelSync stops the active run between records.
func (o *Orchestrator) CancelSync(ctx context.Context) (Run, error) {
	return o.do(ctx, command{action: actionCancel, ctx: ctx})
}

// CancelRun is CancelSync limited to run id. It returns ErrNoActiveRun when
// that run is no longer the active one.
func (o *Orchestrator) CancelRun(ctx context.Context, id string) (Run, error) {
	return o.do(ctx, command{action: actionCancel, ctx: ctx, runID: id})
}

// ContinueInBackground switches the active run's reporters to background mode.
func (o *Orchestrator) ContinueInBackground(ctx context.Context) (Run, error) {
	return o.do(ctx, command{action: actionBackground, ctx: ctx})
}

// Shutdown hard-stops any active run and ends the state machine.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	_, err := o.do(ctx, command{action: actionShutdown, ctx: ctx})
	if err == ErrShutdown {
		return nil
	}
	return err
}

func (o *Orchestrator) do(ctx context.Context, cmd command) (Run, error) {
	cmd.reply = make(chan result, 1)
	select {
	case o.cmdChan <- cmd:
	case <-o.doneChan:
		return Run{}, ErrShutdown
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.run, r.err
	case <-o.doneChan:
		select {
		case r := <-cmd.reply:
			return r.run, r.err
		default:
			return Run{}, ErrShutdown
		}
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Snapshot returns a copy of the latest run projection.
func (o *Orchestrator) Snapshot() Run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.run.clone()
}

// Wait blocks until no run is in flight and returns the last run.
func (o *Orchestrator) Wait(ctx context.Context) (Run, error) {
	o.mu.RLock()
	ch := o.finished
	o.mu.RUnlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return o.Snapshot(), ctx.Err()
		}
	}
	return o.Snapshot(), nil
}

// WaitRun blocks until run id has ended and returns its final projection,
// even when later runs have started since. Only the most recent runs are
// remembered; older ids give ErrUnknownRun.
func (o *Orchestrator) WaitRun(ctx context.Context, id string) (Run, error) {
	o.mu.RLock()
	oc := o.outcomes[id]
	o.mu.RUnlock()
	if oc == nil {
		return Run{}, ErrUnknownRun
	}
	select {
	case <-oc.done:
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return oc.run.clone(), nil
}

// Pending counts records that are not uploaded yet.
func (o *Orchestrator) Pending(ctx context.Context) (int, error) {
	return o.reader.Pending(ctx)
}

// runStateMachine is the core state machine (single goroutine, no races)
func (o *Orchestrator) runStateMachine() {
	defer close(o.doneChan)
	defer o.baseCancel()

	for {
		var events <-chan protocol.Frame
		var workerDone <-chan error
		if o.active != nil {
			events = o.active.pipe.Events()
			workerDone = o.active.done
		}

		select {
		case cmd := <-o.cmdChan:
			if o.handleCommand(cmd) {
				return
			}
		case frame := <-events:
			o.handleFrame(frame)
		case err := <-workerDone:
			o.handleWorkerExit(err)
		}
	}
}

// handleCommand returns true when the state machine must exit.
func (o *Orchestrator) handleCommand(cmd command) bool {
	var r result
	switch cmd.action {
	case actionStart:
		r.run, r.err = o.handleStart(cmd.ctx, cmd.credential, cmd.start)
	case actionCancel:
		r.run, r.err = o.handleCancel(cmd.runID)
	case actionBackground:
		r.run, r.err = o.handleBackground()
	case actionShutdown:
		if a := o.active; a != nil && !o.settleBuffered(a) {
			o.finish(StateCancelled, nil, nil)
		}
		cmd.reply <- result{run: o.Snapshot()}
		return true
	}
	cmd.reply <- r
	return false
}

func (o *Orchestrator) handleStart(ctx context.Context, credential string, so startOptions) (Run, error) {
	if st := o.State(); st.Active() {
		return o.Snapshot(), ErrRunInProgress
	}
	batch, err := o.reader.EligibleBatch(ctx)
	if err != nil {
		return o.Snapshot(), fmt.Errorf("read batch: %w", err)
	}
	o.refreshPending()
	if batch.Empty() {
		return o.Snapshot(), ErrNothingToSync
	}

	reporter := o.reporter
	if so.reporter != nil {
		reporter = progress.Multi{o.reporter, so.reporter}
	}
	if so.background {
		setMode(reporter, progress.ModeBackground)
	}

	id := o.newRunID()
	pipe := protocol.NewPipe(defaultPipeBuffer)
	wctx, cancel := context.WithCancel(o.baseCtx)
	a := &activeRun{id: id, pipe: pipe, cancel: cancel, done: make(chan error, 1), reporter: reporter}
	o.active = a

	o.mu.Lock()
	o.run = Run{RunID: id, State: StateStarting, Total: batch.Len(), Background: so.background, StartedAt: time.Now().UTC()}
	o.finished = make(chan struct{})
	o.outcomes[id] = &outcome{done: make(chan struct{})}
	o.order = append(o.order, id)
	if len(o.order) > keepOutcomes {
		delete(o.outcomes, o.order[0])
		o.order = o.order[1:]
	}
	o.mu.Unlock()
	o.setState(StateStarting)
	o.logger.Info("sync run starting", "run_id", id, "records", batch.Len(), "authenticated", credential != "")

	go func() { a.done <- o.runWorker(wctx, pipe) }()

	if err := pipe.SendCommand(ctx, protocol.Start{RunID: id, Uploads: batch.Uploads(), Credential: credential}); err != nil {
		err = fmt.Errorf("%w: hand over batch: %v", ErrWorkerFailed, err)
		o.finish(StateFailed, nil, err)
		return o.Snapshot(), err
	}

	timer := time.NewTimer(o.opts.StartTimeout)
	defer timer.Stop()
	for {
		select {
		case frame := <-pipe.Events():
			if o.acknowledge(a, frame) {
				return o.Snapshot(), nil
			}
		case werr := <-a.done:
			// the acknowledgement may still be buffered behind the exit
		buffered:
			for {
				select {
				case frame := <-pipe.Events():
					if o.acknowledge(a, frame) {
						a.done <- werr
						return o.Snapshot(), nil
					}
				default:
					break buffered
				}
			}
			err := fmt.Errorf("%w: exited before start", ErrWorkerFailed)
			if werr != nil {
				err = fmt.Errorf("%w: %w", ErrWorkerFailed, werr)
			}
			o.finish(StateFailed, nil, err)
			return o.Snapshot(), err
		case <-timer.C:
			o.finish(StateFailed, nil, ErrStartTimeout)
			return o.Snapshot(), ErrStartTimeout
		case <-ctx.Done():
			err := fmt.Errorf("start abandoned: %w", ctx.Err())
			o.finish(StateFailed, nil, err)
			return o.Snapshot(), err
		}
	}
}

// acknowledge moves the run to Running when frame is its Started event.
func (o *Orchestrator) acknowledge(a *activeRun, frame protocol.Frame) bool {
	ev, err := protocol.DecodeEvent(frame)
	if err != nil {
		o.logger.Warn("dropping undecodable worker event", "run_id", a.id, "error", err)
		return false
	}
	started, ok := ev.(protocol.Started)
	if !ok || started.RunID != a.id {
		o.logger.Debug("ignoring event before start acknowledgement", "run_id", a.id, "kind", ev.Kind())
		return false
	}
	o.mu.Lock()
	o.run.Total = started.Total
	o.run.State = StateRunning
	o.mu.Unlock()
	o.setState(StateRunning)
	o.emitHistory(history.EventStarted)
	return true
}

func (o *Orchestrator) handleCancel(id string) (Run, error) {
	a := o.active
	if a == nil || !o.State().Active() || (id != "" && id != a.id) {
		return o.Snapshot(), ErrNoActiveRun
	}
	ctx, cancel := context.WithTimeout(o.baseCtx, time.Second)
	if err := a.pipe.SendCommand(ctx, protocol.Cancel{RunID: a.id}); err != nil {
		o.logger.Debug("cancel not delivered", "run_id", a.id, "error", err)
	}
	cancel()
	// frames the worker already emitted are applied before disposal
	ended := o.settleBuffered(a)
	if !ended && o.opts.CancelGrace > 0 {
		ended = o.drainMarks(a, o.opts.CancelGrace)
	}
	if !ended {
		o.finish(StateCancelled, nil, nil)
	}
	return o.Snapshot(), nil
}

// settle applies one frame of a run that is being cancelled. Marks are
// recorded, progress is dropped and a terminal event ends the run as the
// worker reported it. It returns true once the run has ended.
func (o *Orchestrator) settle(a *activeRun, frame protocol.Frame) bool {
	ev, err := protocol.DecodeEvent(frame)
	if err != nil || ev.Run() != a.id {
		return false
	}
	switch e := ev.(type) {
	case protocol.MarkUploaded:
		if err := o.applyMark(e.ID); err != nil {
			o.logger.Error("mark uploaded failed during cancel", "run_id", a.id, "id", e.ID, "error", err)
			o.finish(StateFailed, nil, err)
			return true
		}
	case protocol.Completed:
		o.finish(StateCompleted, &e.Summary, nil)
		return true
	case protocol.Cancelled:
		o.finish(StateCancelled, &e.Summary, nil)
		return true
	case protocol.Failed:
		o.finish(StateFailed, nil, fmt.Errorf("%w: %s", ErrWorkerFailed, e.Error))
		return true
	}
	return false
}

// settleBuffered settles every frame already queued in the pipe without
// waiting for more.
func (o *Orchestrator) settleBuffered(a *activeRun) bool {
	for {
		select {
		case frame := <-a.pipe.Events():
			if o.settle(a, frame) {
				return true
			}
		default:
			return false
		}
	}
}

// drainMarks keeps settling frames for up to grace, until the worker
// reports a terminal event or exits.
func (o *Orchestrator) drainMarks(a *activeRun, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case frame := <-a.pipe.Events():
			if o.settle(a, frame) {
				return true
			}
		case <-a.done:
			return o.settleBuffered(a)
		case <-timer.C:
			return false
		}
	}
}

func (o *Orchestrator) handleBackground() (Run, error) {
	a := o.active
	if a == nil || !o.State().Active() {
		return o.Snapshot(), ErrNoActiveRun
	}
	setMode(a.reporter, progress.ModeBackground)
	o.mu.Lock()
	o.run.Background = true
	o.mu.Unlock()
	o.logger.Info("sync run continues in background", "run_id", a.id)
	return o.Snapshot(), nil
}

func setMode(r progress.Reporter, m progress.Mode) {
	if ms, ok := r.(progress.ModeSetter); ok {
		ms.SetMode(m)
	}
}

// handleFrame applies one worker event, in order of receipt.
func (o *Orchestrator) handleFrame(frame protocol.Frame) {
	a := o.active
	if a == nil {
		return
	}
	ev, err := protocol.DecodeEvent(frame)
	if err != nil {
		o.logger.Warn("dropping undecodable worker event", "run_id", a.id, "error", err)
		return
	}
	if ev.Run() != a.id {
		o.logger.Debug("ignoring event for another run", "run_id", a.id, "event_run_id", ev.Run(), "kind", ev.Kind())
		return
	}

	switch e := ev.(type) {
	case protocol.Progress:
		o.mu.Lock()
		o.run.CurrentIndex = e.CurrentIndex
		o.mu.Unlock()
		a.reporter.Progress(e)
	case protocol.MarkUploaded:
		if err := o.applyMark(e.ID); err != nil {
			o.logger.Error("mark uploaded failed, aborting run", "run_id", a.id, "id", e.ID, "error", err)
			o.finish(StateFailed, nil, err)
		}
	case protocol.Completed:
		o.finish(StateCompleted, &e.Summary, nil)
	case protocol.Cancelled:
		o.finish(StateCancelled, &e.Summary, nil)
	case protocol.Failed:
		o.finish(StateFailed, nil, fmt.Errorf("%w: %s", ErrWorkerFailed, e.Error))
	case protocol.Started:
		o.logger.Debug("duplicate start acknowledgement", "run_id", a.id)
	}
}

func (o *Orchestrator) applyMark(id int64) error {
	ctx, cancel := context.WithTimeout(o.baseCtx, 10*time.Second)
	defer cancel()
	if err := o.store.MarkUploaded(ctx, id); err != nil {
		return fmt.Errorf("mark record %d uploaded: %w", id, err)
	}
	o.mu.Lock()
	o.run.SuccessCount++
	o.mu.Unlock()
	metrics.IncUploaded()
	return nil
}

// handleWorkerExit fails the run unless the worker's final frames end it.
func (o *Orchestrator) handleWorkerExit(werr error) {
	a := o.active
	if a == nil {
		return
	}
drain:
	for o.active == a {
		select {
		case frame := <-a.pipe.Events():
			o.handleFrame(frame)
		default:
			break drain
		}
	}
	if o.active != a {
		return
	}
	err := fmt.Errorf("%w: exited without a terminal event", ErrWorkerFailed)
	if werr != nil {
		err = fmt.Errorf("%w: %w", ErrWorkerFailed, werr)
	}
	o.finish(StateFailed, nil, err)
}

// finish ends the active run: disposes of the worker, updates the projection,
// then notifies reporters, sinks and metrics.
func (o *Orchestrator) finish(st State, sum *protocol.Summary, err error) {
	a := o.active
	o.active = nil
	reporter := o.reporter
	if a != nil {
		a.cancel()
		a.pipe.Close()
		reporter = a.reporter
	}

	o.mu.Lock()
	o.run.State = st
	o.run.FinishedAt = time.Now().UTC()
	o.run.Err = err
	o.run.Cancelled = st == StateCancelled
	if sum != nil {
		o.run.SuccessCount = sum.SuccessCount
		o.run.Failures = append([]protocol.RecordError(nil), sum.Errors...)
	}
	run := o.run.clone()
	finished := o.finished
	o.finished = nil
	oc := o.outcomes[run.RunID]
	if oc != nil {
		oc.run = run.clone()
	}
	o.mu.Unlock()

	o.setState(st)
	switch st {
	case StateCompleted:
		reporter.Completed(*sum)
		metrics.AddFailures(sum.ErrorCount)
		o.emitHistory(history.EventCompleted)
	case StateCancelled:
		reporter.Cancelled()
		o.emitHistory(history.EventCancelled)
		o.setState(StateIdle)
	case StateFailed:
		reporter.Failed(err)
		o.emitHistory(history.EventFailed)
	}
	metrics.IncRun(st.String())
	if !run.StartedAt.IsZero() {
		metrics.ObserveRunDuration(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}
	o.refreshPending()
	o.logger.Info("sync run finished", "run_id", run.RunID, "state", st.String(),
		"succeeded", run.SuccessCount, "failed", len(run.Failures), "error", run.ErrorString())

	if oc != nil {
		close(oc.done)
	}
	if finished != nil {
		close(finished)
	}
}

// setState safely updates state (minimal lock scope)
func (o *Orchestrator) setState(newState State) {
	o.mu.Lock()
	oldState := o.state
	o.state = newState
	o.mu.Unlock()
	if oldState == newState {
		return
	}

	metrics.RecordStateTransition(oldState.String(), newState.String())
	metrics.SetCurrentState(oldState.String(), false)
	metrics.SetCurrentState(newState.String(), true)
}

func (o *Orchestrator) refreshPending() {
	n, err := o.reader.Pending(o.baseCtx)
	if err != nil {
		o.logger.Debug("pending count unavailable", "error", err)
		return
	}
	metrics.SetPending(n)
}

func (o *Orchestrator) emitHistory(t history.EventType) {
	if len(o.history) == 0 {
		return
	}
	run := o.Snapshot()
	rec := history.Record{
		RunID:        run.RunID,
		State:        run.State.String(),
		Total:        run.Total,
		SuccessCount: run.SuccessCount,
		ErrorCount:   len(run.Failures),
		Background:   run.Background,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Error:        run.ErrorString(),
	}
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	for _, h := range o.history {
		if err := h.Send(ctx, evt); err != nil {
			o.logger.Warn("history sink failed", "run_id", run.RunID, "type", string(t), "error", err)
		}
	}
}
