package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableUpstreamError classifies error codes/types reported inside the
// upstream realtime stream.
func IsRetryableUpstreamError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "internal_error", "overloaded", "timeout", "session_expired":
		return true
	default:
		return false
	}
}

// RetryPolicy is a bounded, fixed-delay retry budget.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Next reports the delay before the given 1-based attempt, and false once the
// budget is exhausted.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt <= 0 || attempt > p.MaxAttempts {
		return 0, false
	}
	if p.Delay < 0 {
		return 0, true
	}
	return p.Delay, true
}
