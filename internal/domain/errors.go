package domain

import "errors"

// Error kinds. Wrap with fmt.Errorf("...: %w", ErrX) and classify with errors.Is.
var (
	// ErrAuth is returned on rejected broker credentials; fatal once the retry budget is spent.
	ErrAuth = errors.New("broker authentication failed")
	// ErrTransientNetwork is retried with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrRateLimit is retried with a longer backoff.
	ErrRateLimit = errors.New("broker rate limit exceeded")
	// ErrProtocol marks a malformed frame; it is dropped and counted.
	ErrProtocol = errors.New("malformed frame")
	// ErrConnectionLost triggers reconnect (bridge) or deregistration (client side).
	ErrConnectionLost = errors.New("connection lost")
	// ErrSubscriptionConflict marks a duplicate subscribe; callers treat it as a no-op.
	ErrSubscriptionConflict = errors.New("already subscribed")
)

// Retryable reports whether err should be retried by a backoff loop.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrConnectionLost)
}
