package reliability

import "time"

// IsRetryableHTTPStatus reports whether an upstream handshake rejected with
// code is worth retrying as-is.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff doubles base once per failed attempt, capped at limit.
// A limit below base is treated as base.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if limit < base {
		limit = base
	}
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
