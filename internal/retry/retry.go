// Package retry implements the Failure/Retry Kernel: a single Do helper
// wrapping the Orchestrator's LLM and TTS calls with bounded exponential
// backoff. Filesystem calls do not go through Do.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrorClass is the taxonomy a collaborator error is sorted into before
// deciding whether a retry can help.
type ErrorClass string

const (
	// Transient is worth retrying: timeouts, connection resets, 5xx.
	Transient ErrorClass = "transient"
	// Malformed means the collaborator answered but the answer is
	// unusable; a single repair retry may help, unbounded retry won't.
	Malformed ErrorClass = "malformed"
	// Fatal will not be fixed by retrying at all.
	Fatal ErrorClass = "fatal"
)

// ClassifiedError pairs an error with its taxonomy class so Do knows
// whether to keep retrying.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (c *ClassifiedError) Error() string { return c.Err.Error() }
func (c *ClassifiedError) Unwrap() error { return c.Err }

// Classify wraps err with the given class unless it already carries a
// ClassifiedError, in which case the original class is preserved.
func Classify(err error, class ErrorClass) error {
	if err == nil {
		return nil
	}
	var existing *ClassifiedError
	if errors.As(err, &existing) {
		return existing
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Policy bounds how Do retries: at most MaxAttempts tries, exponential
// backoff starting at InitialInterval up to MaxInterval, the whole
// sequence abandoned after MaxElapsed.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultPolicy matches the suspension-point defaults named in the
// pipeline configuration surface: a handful of quick attempts, never
// blocking a snapshot's orchestration for long.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      10 * time.Second,
	}
}

// Do runs fn, retrying on Transient-classified errors per policy. A
// Malformed or Fatal error stops retrying immediately. Callers that
// want a single "repair" retry for Malformed results should do that
// themselves before calling Do, since a repair retry changes the
// prompt, not just the timing.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	operation := func() (T, error) {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		var classified *ClassifiedError
		if errors.As(err, &classified) && classified.Class != Transient {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
	)
}
