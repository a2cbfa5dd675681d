package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior for exchange calls
type RetryConfig struct {
	MaxAttempts    int           // total attempts, not retries
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Budget         time.Duration // wall-clock ceiling across all attempts
}

// DefaultRetryConfig returns the default retry configuration: 3 attempts
// inside a 5 second budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Budget:         5 * time.Second,
	}
}

// httpError carries a status code through the retry classifier
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// classify decides whether an error is retryable and whether it is an
// auth failure. Auth failures are never retried.
func classify(err error) (retryable, auth bool) {
	if err == nil {
		return false, false
	}

	var he *httpError
	if errors.As(err, &he) {
		switch {
		case he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden:
			return false, true
		case he.Status == http.StatusTooManyRequests:
			return true, false
		case he.Status >= 500:
			return true, false
		default:
			return false, false
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, false
	}

	return false, false
}

// withRetry executes op with exponential backoff. Non-retryable errors
// surface immediately; auth failures come back as *AuthError and exhausted
// retries as *TransientExchangeError.
func withRetry(ctx context.Context, cfg RetryConfig, opName string, op func(context.Context) error) error {
	if cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Budget)
		defer cancel()
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("op", opName).
					Int("attempt", attempt).
					Msg("Exchange call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		retryable, auth := classify(err)
		if auth {
			return &AuthError{Op: opName, Err: err}
		}
		if !retryable {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Str("op", opName).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Exchange call failed, retrying")

		select {
		case <-ctx.Done():
			return &TransientExchangeError{Op: opName, Err: lastErr}
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return &TransientExchangeError{Op: opName, Err: lastErr}
}
