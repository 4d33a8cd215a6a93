package retry

import (
	"time"

	"github.com/niels/tinyhttpd/pkg/config"
)

// FromConfig creates accept-retry options from the application configuration.
//
// Temporary accept errors are retried without limit. With backoff disabled
// every retry waits InitialDelay.
func FromConfig(cfg *config.Config) Options {
	opts := Options{
		MaxRetries:      Unlimited,
		InitialDelay:    time.Duration(cfg.Retry.InitialDelay) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.Retry.MaxDelay) * time.Millisecond,
		BackoffFactor:   cfg.Retry.BackoffFactor,
		JitterFactor:    cfg.Retry.JitterFactor,
		IsRetryableFunc: IsTemporaryNetError,
	}

	if !cfg.Retry.BackoffEnabled() {
		opts.BackoffFactor = 1
		opts.JitterFactor = 0
		opts.MaxDelay = opts.InitialDelay
	}

	return opts
}
