package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/config"
)

// Invoker runs an agent call, possibly more than once.
type Invoker interface {
	Invoke(ctx context.Context, fn func(ctx context.Context) error) error
}

// Once is an Invoker that makes exactly one attempt.
type Once struct{}

// Invoke implements Invoker.
func (Once) Invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// RetryInvoker retries failed calls with exponential backoff.
type RetryInvoker struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryInvoker builds an invoker from the retry config section.
func NewRetryInvoker(cfg config.Retry, log *zap.Logger) *RetryInvoker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryInvoker{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		log:         log,
		sleep:       sleepContext,
	}
}

// Invoke implements Invoker. The last error is returned once attempts run
// out or the context is done.
func (r *RetryInvoker) Invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}

		delay := r.backoff(attempt)
		r.log.Warn("agent call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := r.sleep(ctx, delay); serr != nil {
			break
		}
	}
	return err
}

// backoff returns the delay after the given failed attempt.
func (r *RetryInvoker) backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	d := base * time.Duration(1<<shift)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
