package socket

import "time"

// RetryPolicy bounds reconnection. MaxAttempts of zero means unlimited.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// PassengerPolicy retries a bounded number of times; a passenger app can
// surface the failure and let the user retry.
func PassengerPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 2 * time.Second}
}

// DriverPolicy retries without bound: a driver silently dropping offline
// mid-shift is worse than a slow reconnect.
func DriverPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 0, Backoff: 2 * time.Second}
}

// exhausted reports whether attempt number n used up the budget.
func (p RetryPolicy) exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}
