package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Unlimited as Options.MaxRetries retries until fn succeeds, fails with a
// non-retryable error or ctx is done
const Unlimited = -1

// IsRetryableFunc is a function that determines if an error is retryable
type IsRetryableFunc func(error) bool

// Options configures the retry behavior
type Options struct {
	// MaxRetries is the maximum number of retry attempts (not including the initial attempt),
	// or Unlimited
	MaxRetries int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// BackoffFactor is the factor by which the delay increases after each retry
	BackoffFactor float64

	// JitterFactor adds randomness to the delay (0.0 = no jitter, 1.0 = 100% jitter)
	JitterFactor float64

	// IsRetryableFunc decides which errors are retried. Nil retries every error.
	IsRetryableFunc IsRetryableFunc

	// Logger is a function that logs retry attempts
	Logger func(format string, args ...interface{})
}

// Do executes fn, retrying retryable errors with exponential backoff.
// Waiting between attempts stops early when ctx is done, returning ctx.Err().
// Every call starts again from InitialDelay.
func Do[T any](ctx context.Context, fn func() (T, error), opts Options) (T, error) {
	var zero T
	var delay time.Duration

	// Initialize random source for jitter
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	if opts.Logger == nil {
		opts.Logger = func(format string, args ...interface{}) {}
	}

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			if attempt > 0 {
				opts.Logger("Retry successful on attempt %d", attempt+1)
			}
			return result, nil
		}

		if opts.IsRetryableFunc != nil && !opts.IsRetryableFunc(err) {
			return zero, err
		}

		if opts.MaxRetries != Unlimited && attempt >= opts.MaxRetries {
			opts.Logger("Max retries exceeded (%d attempts): %v", attempt+1, err)
			return zero, err
		}

		delay = Backoff(attempt, delay, opts)
		wait := jitter(delay, opts, rnd)

		opts.Logger("Retry attempt %d after %v: %v", attempt+1, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Backoff returns the delay before the retry following attempt, given the
// previous delay. It starts at InitialDelay and is capped at MaxDelay.
func Backoff(attempt int, previous time.Duration, opts Options) time.Duration {
	if attempt == 0 || previous <= 0 {
		return opts.InitialDelay
	}
	delay := time.Duration(float64(previous) * opts.BackoffFactor)
	if opts.MaxDelay > 0 && (delay > opts.MaxDelay || delay <= 0) {
		delay = opts.MaxDelay
	}
	return delay
}

// jitter spreads delay by up to JitterFactor in both directions without
// going past MaxDelay
func jitter(delay time.Duration, opts Options, rnd *rand.Rand) time.Duration {
	if opts.JitterFactor <= 0 {
		return delay
	}
	spread := float64(delay) * opts.JitterFactor
	wait := time.Duration(float64(delay) + (rnd.Float64()*spread*2 - spread))
	if opts.MaxDelay > 0 && wait > opts.MaxDelay {
		wait = opts.MaxDelay
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// String renders the options for logging
func (o Options) String() string {
	retries := fmt.Sprint(o.MaxRetries)
	if o.MaxRetries == Unlimited {
		retries = "unlimited"
	}
	return fmt.Sprintf("retries=%s initial=%v max=%v factor=%.1f jitter=%.2f",
		retries, o.InitialDelay, o.MaxDelay, o.BackoffFactor, o.JitterFactor)
}
