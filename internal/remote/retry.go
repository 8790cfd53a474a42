package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/loykin/syncq/internal/protocol"
)

// Retry configures per-record retries of transient failures.
type Retry struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// WithRetry retries transient failures of ep with exponential backoff.
// Zero MaxRetries returns ep unchanged.
func WithRetry(ep Endpoint, r Retry) Endpoint {
	if r.MaxRetries == 0 {
		return ep
	}
	return Func(func(ctx context.Context, u protocol.Upload, credential string) error {
		b := backoff.NewExponentialBackOff()
		if r.InitialInterval > 0 {
			b.InitialInterval = r.InitialInterval
		}
		if r.MaxInterval > 0 {
			b.MaxInterval = r.MaxInterval
		}
		b.MaxElapsedTime = 0
		op := func() error {
			err := ep.CreateRecord(ctx, u, credential)
			if err != nil && !Transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx))
	})
}

// WithRateLimit spaces calls to ep to at most rps per second.
// A non-positive rps returns ep unchanged.
func WithRateLimit(ep Endpoint, rps float64, burst int) Endpoint {
	if rps <= 0 {
		return ep
	}
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	return Func(func(ctx context.Context, u protocol.Upload, credential string) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		return ep.CreateRecord(ctx, u, credential)
	})
}
