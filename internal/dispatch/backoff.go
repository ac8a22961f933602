package dispatch

import (
	"time"

	"wacast/internal/domain"
	"wacast/internal/store"
)

const (
	baseRetryDelay      = 30 * time.Second
	maxRetryDelay       = 5 * time.Minute
	minRetryWake        = time.Second
	defaultPollInterval = 3 * time.Second
)

// RetryBackoff returns the delay a recipient must wait after its Nth failed
// attempt: 30s doubling per attempt, capped at 5 minutes.
func RetryBackoff(retryCount int) time.Duration {
	attempt := retryCount
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return maxRetryDelay
	}
	d := baseRetryDelay << (attempt - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// RetryWindowElapsed reports whether a recipient is eligible to send.
// Anything not in retry state is always eligible.
func RetryWindowElapsed(r store.Recipient, now time.Time) bool {
	if r.Status != string(domain.RecipientRetry) {
		return true
	}
	if r.LastRetryAt == nil {
		return true
	}
	return now.Sub(*r.LastRetryAt) >= RetryBackoff(r.RetryCount)
}

// NextRetryDelay bounds how long the loop sleeps before re-checking
// eligibility: the shortest remaining backoff among waiting retries, never
// below one second so a nearly-due retry cannot busy-spin the loop. With no
// waiting retries it falls back to the default poll interval.
func NextRetryDelay(recipients []store.Recipient, now time.Time) time.Duration {
	best := time.Duration(-1)
	for _, r := range recipients {
		if r.Status != string(domain.RecipientRetry) || r.LastRetryAt == nil {
			continue
		}
		remaining := RetryBackoff(r.RetryCount) - now.Sub(*r.LastRetryAt)
		if remaining < minRetryWake {
			remaining = minRetryWake
		}
		if best < 0 || remaining < best {
			best = remaining
		}
	}
	if best < 0 {
		return defaultPollInterval
	}
	return best
}
