package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uselesscalc/orchestrator/internal/config"
)

// permanentError marks a submission failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so retryPolicy stops after the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// backoff is the per-submission retry state: attempts made so far and the
// delay before the next one, doubling up to max.
type backoff struct {
	attempt     int
	maxAttempts int
	delay       time.Duration
	max         time.Duration
}

// next records a failed attempt and returns the delay before the following
// one. It returns false once maxAttempts have been made.
func (b *backoff) next() (time.Duration, bool) {
	b.attempt++
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	d := b.delay
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
	return d, true
}

// retryPolicy is a bounded exponential backoff.
type retryPolicy struct {
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func newRetryPolicy(cfg config.DeliveryConfig) retryPolicy {
	return retryPolicy{
		maxAttempts: cfg.MaxAttempts,
		initial:     cfg.InitialBackoff,
		max:         cfg.MaxBackoff,
		sleep:       sleepContext,
	}
}

func (p retryPolicy) start() *backoff {
	maxAttempts := p.maxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &backoff{maxAttempts: maxAttempts, delay: p.initial, max: p.max}
}

// do runs fn until it succeeds, fails permanently, exhausts the attempts, or
// ctx ends. It returns the number of attempts made and the last error.
func (p retryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	b := p.start()
	for {
		err := fn(ctx)
		if err == nil {
			return b.attempt + 1, nil
		}
		if isPermanent(err) {
			return b.attempt + 1, err
		}
		delay, ok := b.next()
		if !ok {
			return b.attempt, err
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return b.attempt, errors.Join(err, serr)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
