package api

import (
	"net"
	"net/http"
	"time"
)

// Backoff is the bounded exponential retry policy both remote clients use.
// Attempts counts the first try; the delay before retry n is
// BaseDelay << (n-1), capped at MaxDelay.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff returns the policy applied when a client is configured
// without one: three attempts, half a second base, five seconds cap.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Delay returns how long to sleep before the given retry attempt
// (1-based). Attempt 0 never sleeps.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := b.BaseDelay << (attempt - 1)
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// RetryableStatus reports whether an HTTP status justifies another
// attempt: rate limiting and the transient 5xx family.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NewHTTPClient builds the http.Client the remote clients share: a
// separate dial timeout and an overall per-request deadline. Zero values
// fall back to 10s connect / 30s read.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: readTimeout,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
