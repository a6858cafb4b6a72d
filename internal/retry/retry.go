// Package retry provides a shared retry utility with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy describes how often and how patiently to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Jitter spreads each delay by +-25%. Off in tests that count sleeps.
	Jitter bool
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, sleep time.Duration)
}

// DefaultPolicy is three attempts starting at one second, doubling.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Second, Jitter: true}

// Do calls fn up to p.MaxAttempts times with exponential backoff.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		sleep := delay
		if p.Jitter {
			jitter := delay / 4
			sleep = delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}

	return err
}

// Do calls fn up to maxAttempts times with jittered exponential backoff
// starting at baseDelay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Jitter: true}
	return p.Do(ctx, func(context.Context) error { return fn() })
}
