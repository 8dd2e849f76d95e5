package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts bounds the number of calls. Zero or less retries until
	// success, a permanent error, or ctx cancellation.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64 // ±jitter fraction (e.g., 0.2 = ±20%)

	// OnRetry, when set, is called after a failed attempt before waiting.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Jitter:          0.2,
	}
}

// Unlimited returns cfg with no attempt bound.
func (c Config) Unlimited() Config {
	c.MaxAttempts = 0
	return c
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (non-retryable).
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do executes fn with retry logic. It stops retrying when:
// - fn returns nil (success)
// - fn returns a PermanentError
// - MaxAttempts is exhausted
// - ctx is cancelled while waiting between attempts
//
// ctx is only observed between attempts; an attempt in progress is never interrupted by Do.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; cfg.MaxAttempts <= 0 || attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts-1 {
			break
		}
		backoff := calcBackoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, backoff)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}

func calcBackoff(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxInterval) {
		backoff = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}
