// Package retry wraps network-facing operations with a classification-aware
// retry policy: transient errors back off and retry up to a bounded attempt
// count, fatal errors surface immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassTransient errors are retried with exponential backoff.
	ClassTransient Class = iota
	// ClassFatal errors are never retried.
	ClassFatal
)

// fatalError marks an error as not retryable.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Fatal marks err as fatal: Do will not retry it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Transient marks err as transient: Do will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsFatal reports whether err carries an explicit fatal marker.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err carries an explicit transient marker.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Classify determines the retry class of an error. Explicit markers win;
// unmarked errors are classified by shape: network timeouts, resets and
// rate limits are transient, everything else is fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if IsFatal(err) {
		return ClassFatal
	}
	if IsTransient(err) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"500",
	} {
		if strings.Contains(msg, marker) {
			return ClassTransient
		}
	}

	return ClassFatal
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultPolicy matches the worker defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  time.Minute,
	}
}

// Backoff returns the sleep duration before the given attempt (1-based),
// exponential with jitter, capped.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			d = p.BackoffCap
			break
		}
	}
	// up to 25% jitter so concurrent retries spread out
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Do runs fn until it succeeds, returns a fatal error, or attempts are
// exhausted. The final error of an exhausted loop is wrapped so callers can
// tell retry exhaustion apart from a first-shot fatal failure.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if Classify(err) == ClassFatal {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		logrus.Warnf("%s failed (attempt %d/%d), retrying in %v: %v", name, attempt, p.MaxAttempts, wait, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, p.MaxAttempts, lastErr)
}
