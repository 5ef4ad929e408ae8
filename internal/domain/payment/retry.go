package payment

import "time"

// Backoff ladder for automatic payment retries, indexed by attempt number.
var retryDelays = [...]time.Duration{
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
	24 * time.Hour,
}

const (
	// MaxAutomaticAttempts caps scheduler-driven retries; beyond it only a
	// manual retry can re-run the authorization.
	MaxAutomaticAttempts = 5

	// AuthorizationValidity is how long the gateway keeps a funds hold alive.
	AuthorizationValidity = 7 * 24 * time.Hour
)

// DelayForAttempt returns the backoff delay before retrying after the given
// failed attempt count. ok is false once the ladder is exhausted.
func DelayForAttempt(attempt int) (delay time.Duration, ok bool) {
	if attempt < 0 || attempt >= len(retryDelays) {
		return 0, false
	}
	return retryDelays[attempt], true
}

// NextRetryAt computes the next retry timestamp for the given attempt count,
// or nil when automatic retries are exhausted.
func NextRetryAt(now time.Time, attempt int) *time.Time {
	delay, ok := DelayForAttempt(attempt)
	if !ok {
		return nil
	}
	at := now.Add(delay)
	return &at
}

// AuthorizationDeadline returns the validity deadline for a hold created now.
func AuthorizationDeadline(now time.Time) time.Time {
	return now.Add(AuthorizationValidity)
}

// IsExpired reports whether the hold validity deadline has elapsed.
// A zero deadline means no hold exists and is never expired.
func IsExpired(now, deadline time.Time) bool {
	if deadline.IsZero() {
		return false
	}
	return now.After(deadline)
}
