package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy describes an exponential-backoff retry schedule with jitter.
type RetryPolicy struct {
	// InitialDelay is the delay before the first retry. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth. Default: 30s.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.
	Multiplier float64

	// JitterFactor randomises each delay by ±JitterFactor. Default: 0.1.
	JitterFactor float64

	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int
}

// DefaultRetryPolicy matches the model RPC initiation schedule: 1s initial,
// doubling to a 30s cap with 10% jitter, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
		MaxAttempts:  3,
	}
}

// retryableFragments are substrings identifying transient failures worth
// retrying. Validation errors deliberately do not match.
var retryableFragments = []string{
	"timeout",
	"network",
	"connection",
	"throttling",
	"service unavailable",
	"internal server error",
	"too many requests",
}

// IsRetryable reports whether err looks transient. A nil error is not
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Do invokes fn up to MaxAttempts times, sleeping between attempts according
// to the policy. It stops early when fn succeeds, when the error is not
// retryable per the classifier, or when ctx is cancelled. The classifier
// defaults to [IsRetryable] when nil.
func (p RetryPolicy) Do(ctx context.Context, name string, fn func() error, retryable func(error) bool) error {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if retryable == nil {
		retryable = IsRetryable
	}

	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := jitter(delay, p.JitterFactor)
		slog.Warn("retrying after transient failure",
			"name", name,
			"attempt", attempt,
			"wait", wait,
			"err", lastErr,
		)
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}

// jitter randomises d by ±factor.
func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * factor * float64(d)
	return time.Duration(float64(d) + delta)
}
