package dispatch

import (
	"testing"
	"time"

	"wacast/internal/store"
)

func TestRetryBackoffValues(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second}, // treated as first attempt
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 300 * time.Second}, // capped
		{10, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := RetryBackoff(tc.retryCount); got != tc.want {
			t.Fatalf("RetryBackoff(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func retryRecipient(retryCount int, lastRetryAt time.Time) store.Recipient {
	return store.Recipient{
		Status:      "retry",
		RetryCount:  retryCount,
		LastRetryAt: &lastRetryAt,
	}
}

func TestRetryWindowElapsedBoundary(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	early := retryRecipient(1, now.Add(-29999*time.Millisecond))
	if RetryWindowElapsed(early, now) {
		t.Fatal("expected recipient 29999ms into a 30s backoff to be ineligible")
	}
	late := retryRecipient(1, now.Add(-30001*time.Millisecond))
	if !RetryWindowElapsed(late, now) {
		t.Fatal("expected recipient 30001ms into a 30s backoff to be eligible")
	}
}

func TestRetryWindowElapsedNonRetryStates(t *testing.T) {
	now := time.Now().UTC()
	if !RetryWindowElapsed(store.Recipient{Status: "pending"}, now) {
		t.Fatal("pending recipient is always eligible")
	}
	if !RetryWindowElapsed(store.Recipient{Status: "retry"}, now) {
		t.Fatal("retry recipient without lastRetryAt is eligible")
	}
}

func TestNextRetryDelay(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	recs := []store.Recipient{
		retryRecipient(1, now.Add(-10*time.Second)), // 20s remaining
		retryRecipient(2, now.Add(-55*time.Second)), // 5s remaining
	}
	if got := NextRetryDelay(recs, now); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
}

func TestNextRetryDelayFlooredAtOneSecond(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	recs := []store.Recipient{
		retryRecipient(1, now.Add(-29950*time.Millisecond)), // 50ms remaining
	}
	if got := NextRetryDelay(recs, now); got != time.Second {
		t.Fatalf("expected 1s floor, got %v", got)
	}
}

func TestNextRetryDelayDefaultPollInterval(t *testing.T) {
	now := time.Now().UTC()
	if got := NextRetryDelay(nil, now); got != 3*time.Second {
		t.Fatalf("expected 3s default, got %v", got)
	}
	// Recipients not in retry state do not contribute.
	recs := []store.Recipient{{Status: "pending"}, {Status: "sending"}}
	if got := NextRetryDelay(recs, now); got != 3*time.Second {
		t.Fatalf("expected 3s default, got %v", got)
	}
}
