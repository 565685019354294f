package relay

import "time"

// RetryPolicy bounds handler retries for a single entry. An entry's handler
// is invoked at most MaxRetries+1 times, with an exponentially growing wait
// between attempts: BaseDelay, 2·BaseDelay, 4·BaseDelay, and so on.
//
// The attempt counter lives in memory only. A consumer that crashes mid-retry
// forgets how many attempts the entry already burned; the entry stays pending
// and reclamation starts it over with a fresh budget.
type RetryPolicy struct {
	// MaxRetries is how many times a failed handler is re-invoked.
	// Zero means a single attempt with no retry.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries 3 times with waits of 1s, 2s, and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

// Delay returns the wait before retry number retry (counted from 0):
// BaseDelay doubled retry times.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 32 {
		retry = 32
	}
	return p.BaseDelay << uint(retry)
}
