package transport

import (
	"errors"
	"time"
)

// RetryPolicy bounds how transient network failures are retried. HTTP
// status codes are never retried here; 401/403 handling belongs to the
// auth session.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy matches the small fixed budget the upstream API
// tolerates: three attempts with short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      50 * time.Millisecond,
	}
}

// Validate reports whether the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return errors.New("retry policy: MaxAttempts must be positive")
	}
	if p.BaseDelay <= 0 {
		return errors.New("retry policy: BaseDelay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("retry policy: MaxDelay below BaseDelay")
	}
	if p.Jitter < 0 {
		return errors.New("retry policy: negative Jitter")
	}
	return nil
}

// delay returns the backoff before the given retry attempt (1-based).
func (p RetryPolicy) delay(attempt int, jitterFrac float64) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return d + time.Duration(jitterFrac*float64(p.Jitter))
}
