// Package retry provides the bounded exponential backoff strategy used to
// dispatch batches.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults applied by DefaultPolicy.
const (
	DefaultMaxAttempts         = 3
	DefaultInitialInterval     = 2 * time.Second
	DefaultMaxInterval         = 30 * time.Second
	DefaultMultiplier          = 2.0
	DefaultRandomizationFactor = 0.5
)

// Policy is an explicit retry strategy: up to MaxAttempts attempts with
// exponential, jittered waits between them.
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// AttemptTimeout bounds every attempt when positive.
	AttemptTimeout time.Duration

	// NewTimer replaces the wall-clock timer used between attempts.
	NewTimer func() backoff.Timer
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         DefaultMaxAttempts,
		InitialInterval:     DefaultInitialInterval,
		MaxInterval:         DefaultMaxInterval,
		Multiplier:          DefaultMultiplier,
		RandomizationFactor: DefaultRandomizationFactor,
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialInterval < 0 || p.MaxInterval < 0:
		return fmt.Errorf("retry: intervals must not be negative")
	case p.MaxInterval > 0 && p.InitialInterval > p.MaxInterval:
		return fmt.Errorf("retry: initial interval %s exceeds max interval %s", p.InitialInterval, p.MaxInterval)
	case p.Multiplier < 1:
		return fmt.Errorf("retry: multiplier must be at least 1, got %v", p.Multiplier)
	case p.RandomizationFactor < 0 || p.RandomizationFactor > 1:
		return fmt.Errorf("retry: randomization factor must be within [0, 1], got %v", p.RandomizationFactor)
	}
	return nil
}

// Retryable is implemented by errors that know whether another attempt
// could succeed.
type Retryable interface {
	Retryable() bool
}

// IsPermanent reports whether err, or any error it wraps, declares itself
// not retryable.
func IsPermanent(err error) bool {
	var r Retryable
	return errors.As(err, &r) && !r.Retryable()
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// NotifyFunc is called after a failed attempt that will be retried.
type NotifyFunc func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts or ctx is done. It returns the number of attempts made and the
// last error.
func (p Policy) Do(ctx context.Context, op Operation, notify NotifyFunc) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}

		err := op(attemptCtx, attempts)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), onRetry, timer)
	return attempts, err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.RandomizationFactor
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}
