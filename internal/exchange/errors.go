package exchange

import (
	"errors"
	"fmt"
	"time"
)

// TransientExchangeError wraps network and 5xx failures that survived the
// retry budget. Callers may degrade (serve stale data, skip a pass) but
// should not treat it as permanent.
type TransientExchangeError struct {
	Op  string
	Err error
}

func (e *TransientExchangeError) Error() string {
	return fmt.Sprintf("transient exchange error in %s: %v", e.Op, e.Err)
}

func (e *TransientExchangeError) Unwrap() error { return e.Err }

// RateLimitedError is returned when honoring the rate budget would exceed
// the caller's deadline. The caller must degrade, not retry immediately.
type RateLimitedError struct {
	Op string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s would exceed deadline", e.Op)
}

// StaleTickerError is returned when neither the streamed nor the REST
// ticker is fresh enough to act on.
type StaleTickerError struct {
	Pair string
	Age  time.Duration
}

func (e *StaleTickerError) Error() string {
	return fmt.Sprintf("ticker for %s is stale (age %s)", e.Pair, e.Age)
}

// AuthError marks authentication and permission failures. Never retried;
// the engine treats it as fatal at startup.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("exchange auth error in %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrOrderNotFound is returned by OrderStatus for an unknown order id
var ErrOrderNotFound = errors.New("order not found")

// IsTransient reports whether err is worth degrading around rather than
// aborting on.
func IsTransient(err error) bool {
	var te *TransientExchangeError
	var rl *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &rl)
}

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
