package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/syncq"
	"github.com/loykin/syncq/internal/config"
	"github.com/loykin/syncq/internal/progress"
	"github.com/loykin/syncq/internal/receiver"
	"github.com/loykin/syncq/internal/store"
)

type command struct {
	flags *GlobalFlags
}

func (c command) config() (syncq.Config, error) {
	cfg, err := syncq.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return syncq.Config{}, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// withStore runs fn against the configured record store only.
func (c command) withStore(ctx context.Context, fn func(store.Store, syncq.Config) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	s, err := syncq.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s, cfg)
}

func (c command) Add(ctx context.Context, out io.Writer, f AddFlags) error {
	payload := []byte(f.Payload)
	if f.File != "" {
		b, err := os.ReadFile(filepath.Clean(f.File))
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		payload = b
	}
	var captured time.Time
	if f.CapturedAt != "" {
		t, err := time.Parse(time.RFC3339, f.CapturedAt)
		if err != nil {
			return fmt.Errorf("invalid --captured-at: %w", err)
		}
		captured = t
	}
	return c.withStore(ctx, func(s store.Store, cfg syncq.Config) error {
		owner := f.Owner
		if owner == "" {
			owner = cfg.Owner
		}
		id, err := s.Add(ctx, syncq.Draft{Owner: owner, Payload: payload, CapturedAt: captured})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "added record %d\n", id)
		return nil
	})
}

func (c command) List(ctx context.Context, out io.Writer, f ListFlags) error {
	return c.withStore(ctx, func(s store.Store, _ syncq.Config) error {
		recs, err := s.List(ctx)
		if err != nil {
			return err
		}
		views := make([]recordView, 0, len(recs))
		for _, r := range recs {
			if f.Pending && r.Uploaded {
				continue
			}
			views = append(views, newRecordView(r))
		}
		printJSON(out, views)
		return nil
	})
}

func (c command) Delete(ctx context.Context, out io.Writer, id int64) error {
	return c.withStore(ctx, func(s store.Store, _ syncq.Config) error {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "deleted record %d\n", id)
		return nil
	})
}

func (c command) Purge(ctx context.Context, out io.Writer, f PurgeFlags) error {
	if f.OlderThan < 0 {
		return errors.New("--older-than must not be negative")
	}
	return c.withStore(ctx, func(s store.Store, _ syncq.Config) error {
		n, err := s.PurgeUploaded(ctx, time.Now().Add(-f.OlderThan))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "purged %d uploaded records\n", n)
		return nil
	})
}

func (c command) Sync(ctx context.Context, out io.Writer, f SyncFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := syncq.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	bg := progress.NewBackground(progress.LogNotify(app.Logger()))
	defer bg.Close()
	reporter := progress.NewSwitch(progress.NewForeground(out), bg)

	opts := []syncq.StartOption{syncq.WithReporter(reporter)}
	if f.Background {
		opts = append(opts, syncq.InBackground())
	}
	run, err := app.Sync(ctx, opts...)
	if errors.Is(err, syncq.ErrNothingToSync) {
		_, _ = fmt.Fprintln(out, "Nothing to sync")
		return nil
	}
	if err != nil {
		return err
	}
	if run.Err != nil {
		return run.Err
	}
	return nil
}

func (c command) Serve(ctx context.Context) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := syncq.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Close(sctx)
	}()
	return app.Serve(ctx)
}

func (c command) Receive(ctx context.Context, f ReceiveFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rcv := receiver.New(receiver.Options{
		Collection:   f.Collection,
		CollectionID: f.CollectionID,
		Token:        f.Token,
		FailEvery:    f.FailEvery,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- rcv.Start(f.Listen) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rcv.Shutdown(sctx)
}

func configInit(out io.Writer, path string, force bool) error {
	if err := config.WriteDefault(path, force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}
