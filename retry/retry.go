// Package retry implements the bounded retry-with-delay helper used for UD
// instantiation, node health checks and UD lookups, and the unbounded loop
// used to start the network follower.
//
// Retries are a loop with an explicit sleep, never recursion. Cancellation is
// only observed between attempts: an in-flight engine call has no cancellation
// primitive and is always allowed to return.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy is a bounded retry with a fixed delay. Attempts counts retries
// after the first call, so fn runs at most Attempts+1 times.
type Policy struct {
	Name     string
	Attempts int
	Delay    time.Duration

	// Sleep overrides the delay implementation, for tests.
	Sleep Sleeper
	// OnRetry is called before every retry with the retry number (1-based)
	// and the error that caused it.
	OnRetry func(retry int, err error)
	Logger  logrus.FieldLogger
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the retries run
// out or ctx is done. attempt is 0 for the first call.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	log := p.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var lastErr error
	for attempt := 0; attempt <= p.Attempts; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			log.WithFields(logrus.Fields{
				"function": "Policy.Do",
				"policy":   p.Name,
				"retry":    attempt,
				"of":       p.Attempts,
				"error":    lastErr.Error(),
			}).Debug("Retrying after delay")
			if err := sleep(ctx, p.Delay); err != nil {
				return err
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	log.WithFields(logrus.Fields{
		"function": "Policy.Do",
		"policy":   p.Name,
		"attempts": p.Attempts + 1,
		"error":    lastErr.Error(),
	}).Warn("Retry attempts exhausted")

	return fmt.Errorf("%s: %w: %w", p.Name, ErrExhausted, lastErr)
}

// Forever calls fn until it returns nil or an error retryable rejects,
// sleeping delay between attempts. It only stops early when ctx is done,
// and only between attempts.
func Forever(ctx context.Context, delay time.Duration, sleep Sleeper, retryable func(error) bool, fn func() error) error {
	if sleep == nil {
		sleep = Sleep
	}
	for {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
