// Package syncq keeps captured records in a local store and uploads them to
// a remote collection in explicit sync runs.
//
// App wires the pieces together from a config.Config: record store, remote
// endpoint, sync orchestrator, history sinks, metrics, the control API and
// the auto-sync scheduler.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/syncq/internal/config"
	"github.com/loykin/syncq/internal/history"
	hfactory "github.com/loykin/syncq/internal/history/factory"
	"github.com/loykin/syncq/internal/logger"
	"github.com/loykin/syncq/internal/metrics"
	"github.com/loykin/syncq/internal/orchestrator"
	"github.com/loykin/syncq/internal/progress"
	"github.com/loykin/syncq/internal/protocol"
	"github.com/loykin/syncq/internal/remote"
	"github.com/loykin/syncq/internal/schedule"
	iapi "github.com/loykin/syncq/internal/server"
	"github.com/loykin/syncq/internal/store"
	sfactory "github.com/loykin/syncq/internal/store/factory"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Record = store.Record

type Draft = store.Draft

type Run = orchestrator.Run

type State = orchestrator.State

type Summary = protocol.Summary

type Reporter = progress.Reporter

type StartOption = orchestrator.StartOption

var (
	ErrNothingToSync = orchestrator.ErrNothingToSync
	ErrRunInProgress = orchestrator.ErrRunInProgress
	ErrNoActiveRun   = orchestrator.ErrNoActiveRun
	ErrNotFound      = store.ErrNotFound
	ErrPersistence   = store.ErrPersistence
)

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }
func DefaultConfig() Config                  { return cfg.Default() }

func WithReporter(r Reporter) StartOption { return orchestrator.WithReporter(r) }
func InBackground() StartOption           { return orchestrator.InBackground() }

const autoSyncJob = "auto-sync"

// Option overrides a component App would otherwise build from the config.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	store    store.Store
	endpoint remote.Endpoint
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithStore uses s instead of opening store.dsn. App takes ownership of s.
func WithStore(s store.Store) Option { return func(o *options) { o.store = s } }

// WithEndpoint skips collection lookup and uploads through ep.
func WithEndpoint(ep remote.Endpoint) Option { return func(o *options) { o.endpoint = ep } }

// App is a configured syncq instance.
type App struct {
	cfg       Config
	logger    *slog.Logger
	logCloser io.Closer

	store  store.Store
	orch   *orchestrator.Orchestrator
	events *iapi.Broadcaster
	stream *progress.Background
	sinks  []history.Sink
	sched  *schedule.Scheduler
}

// OpenStore opens and migrates the record store named by c.Store.DSN. It is
// all record management needs; no remote is contacted.
func OpenStore(ctx context.Context, c Config) (store.Store, error) {
	s, err := sfactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Open builds an App. Unless WithEndpoint is given, the remote collection is
// resolved once here.
func Open(ctx context.Context, c Config, opts ...Option) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{cfg: c}
	ok := false
	defer func() {
		if !ok {
			if a.orch != nil {
				_ = a.orch.Shutdown(context.Background())
			}
			_ = a.closeResources()
		}
	}()

	if o.logger != nil {
		a.logger = o.logger
	} else {
		l, closer, err := logger.New(c.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		a.logger, a.logCloser = l, closer
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	a.store = o.store
	if a.store == nil {
		s, err := OpenStore(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.store = s
	}

	ep := o.endpoint
	if ep == nil {
		built, err := a.buildEndpoint(ctx)
		if err != nil {
			return nil, err
		}
		ep = built
	}

	for _, hc := range c.History {
		if !hc.Enabled {
			continue
		}
		sink, err := hfactory.NewSinkFromDSN(hc.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		a.sinks = append(a.sinks, sink)
	}

	a.events = iapi.NewBroadcaster(0)
	a.stream = progress.NewBackground(a.events.Publish)

	orch, err := orchestrator.New(orchestrator.Options{
		Store:        a.store,
		Endpoint:     ep,
		Reporter:     a.stream,
		History:      a.sinks,
		Logger:       a.logger,
		MaxBatch:     c.Sync.MaxBatch,
		StartTimeout: c.Sync.StartTimeout,
		CancelGrace:  c.Sync.CancelGrace,
	})
	if err != nil {
		return nil, err
	}
	a.orch = orch

	if c.Sync.AutoSync != "" {
		a.sched = schedule.NewScheduler(a.logger)
		if err := a.sched.Add(&schedule.Job{Name: autoSyncJob, Schedule: c.Sync.AutoSync, Run: a.autoSync}); err != nil {
			return nil, err
		}
	}

	a.refreshPending(ctx)
	ok = true
	return a, nil
}

func (a *App) buildEndpoint(ctx context.Context) (remote.Endpoint, error) {
	rc := a.cfg.RemoteOptions()
	rc.Logger = a.logger
	if tok, err := a.cfg.Auth.ResolveToken(); err == nil {
		rc.LookupToken = tok
	}
	target, err := remote.Resolve(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("resolve remote collection: %w", err)
	}
	a.logger.Info("remote collection resolved", "name", target.Name, "id", target.ID)
	httpEP, err := remote.NewHTTPEndpoint(rc, target)
	if err != nil {
		return nil, err
	}
	var ep remote.Endpoint = httpEP
	if a.cfg.Remote.Retries > 0 {
		ep = remote.WithRetry(ep, a.cfg.Retry())
	}
	if a.cfg.Remote.RateLimit > 0 {
		ep = remote.WithRateLimit(ep, a.cfg.Remote.RateLimit, a.cfg.Remote.RateBurst)
	}
	return ep, nil
}

func (a *App) Logger() *slog.Logger { return a.logger }
func (a *App) Config() Config       { return a.cfg }

// --- records ---

// Add stores a new pending record. An empty owner takes the configured one.
func (a *App) Add(ctx context.Context, d Draft) (int64, error) {
	if d.Owner == "" {
		d.Owner = a.cfg.Owner
	}
	id, err := a.store.Add(ctx, d)
	if err != nil {
		return 0, err
	}
	a.refreshPending(ctx)
	return id, nil
}

func (a *App) List(ctx context.Context) ([]Record, error)        { return a.store.List(ctx) }
func (a *App) Get(ctx context.Context, id int64) (Record, error) { return a.store.Get(ctx, id) }

func (a *App) Delete(ctx context.Context, id int64) error {
	if err := a.store.Delete(ctx, id); err != nil {
		return err
	}
	a.refreshPending(ctx)
	return nil
}

// Purge removes uploaded records older than age.
func (a *App) Purge(ctx context.Context, age time.Duration) (int64, error) {
	return a.store.PurgeUploaded(ctx, time.Now().Add(-age))
}

func (a *App) Pending(ctx context.Context) (int, error) { return a.orch.Pending(ctx) }

// --- sync ---

// StartSync starts a run with the configured credential and returns once
// the worker has the batch.
func (a *App) StartSync(ctx context.Context, opts ...StartOption) (Run, error) {
	tok, err := a.cfg.Auth.ResolveToken()
	if err != nil {
		return Run{}, err
	}
	return a.orch.StartSync(ctx, tok, opts...)
}

// Sync runs to completion. Cancelling ctx cancels the run; the cancelled
// run is returned without error.
func (a *App) Sync(ctx context.Context, opts ...StartOption) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	// a cancel during the handshake is applied once the run is up
	started, err := a.StartSync(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return Run{}, err
	}
	run, err := a.orch.WaitRun(ctx, started.RunID)
	if err == nil {
		return run, nil
	}
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// only this run is cancelled; ErrNoActiveRun means it already ended
	if _, err := a.orch.CancelRun(cctx, started.RunID); err != nil && !errors.Is(err, ErrNoActiveRun) {
		return Run{}, err
	}
	return a.orch.WaitRun(cctx, started.RunID)
}

func (a *App) CancelSync(ctx context.Context) (Run, error) { return a.orch.CancelSync(ctx) }
func (a *App) ContinueInBackground(ctx context.Context) (Run, error) {
	return a.orch.ContinueInBackground(ctx)
}
func (a *App) Wait(ctx context.Context) (Run, error) { return a.orch.Wait(ctx) }
func (a *App) Snapshot() Run                         { return a.orch.Snapshot() }
func (a *App) State() State                          { return a.orch.State() }

func (a *App) autoSync(ctx context.Context) error {
	if a.orch.State().Active() {
		return nil
	}
	n, err := a.orch.Pending(ctx)
	if err != nil || n == 0 {
		return err
	}
	run, err := a.Sync(ctx, InBackground())
	if errors.Is(err, ErrNothingToSync) || errors.Is(err, ErrRunInProgress) {
		return nil
	}
	if err != nil {
		return err
	}
	a.logger.Info("auto-sync finished", "run_id", run.RunID, "state", run.State.String(),
		"succeeded", run.SuccessCount, "failed", len(run.Failures))
	return nil
}

func (a *App) refreshPending(ctx context.Context) {
	if n, err := a.orch.Pending(ctx); err == nil {
		metrics.SetPending(n)
	}
}

// --- serving ---

// Handler is the control API rooted at server.base_path.
func (a *App) Handler() http.Handler {
	opts := iapi.Options{
		Records: a,
		Syncer:  a.orch,
		Events:  a.events,
		Token:   a.cfg.Auth.ResolveToken,
		Owner:   a.cfg.Owner,
		Logger:  a.logger,
	}
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen == "" {
		opts.Metrics = metrics.Handler()
	}
	return iapi.NewRouter(opts, a.cfg.Server.BasePath).Handler()
}

// Serve runs the control API, the metrics endpoint and auto-sync until ctx
// ends, then shuts them down.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	servers := []*http.Server{iapi.NewServer(a.cfg.Server.Listen, a.Handler())}
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, iapi.NewServer(a.cfg.Metrics.Listen, mux))
	}
	for _, srv := range servers {
		g.Go(func() error {
			a.logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	if a.sched != nil {
		if err := a.sched.Start(gctx); err != nil {
			return err
		}
		defer a.sched.Stop()
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close stops any active run and releases every resource.
func (a *App) Close(ctx context.Context) error {
	if a.sched != nil {
		a.sched.Stop()
	}
	var errs []error
	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.stream != nil {
		a.stream.Close()
	}
	for _, s := range a.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
