package fault

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks err as final. Permanent wins over Transient when both wrap.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err should be retried. Deadline overruns are
// transient; cancellation and unmarked errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns three attempts starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// NewBackOff builds an exponential schedule without an elapsed-time cap;
// the attempt count is what bounds it.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a non-transient error, runs out of
// attempts, or ctx is done. The last error is returned unchanged.
func Retry(ctx context.Context, p Policy, name string, op func(context.Context) error) error {
	p = p.normalized()
	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(p.MaxAttempts-1)), ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		slog.Debug("retrying operation", "op", name, "wait", wait, "error", err)
	})
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}
