package commerce

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HeaderRetryAfter is the retry-after header (seconds).
const HeaderRetryAfter = "Retry-After"

// defaultRetryAfter is used when a 429 carries no usable Retry-After.
const defaultRetryAfter = 2 * time.Second

// RateLimiter throttles calls to the admin API. It combines a token
// bucket with a backoff window opened by 429 responses.
type RateLimiter struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	blockedTo time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until it's safe to make a request.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	blockedTo := r.blockedTo
	r.mu.Unlock()

	if d := time.Until(blockedTo); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.bucket.Wait(ctx)
}

// Observe opens a backoff window when resp is a 429.
func (r *RateLimiter) Observe(resp *http.Response) {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return
	}
	until := time.Now().Add(RetryAfter(resp))

	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.blockedTo) {
		r.blockedTo = until
	}
}

// RetryAfter parses the Retry-After header, which may carry fractional seconds.
func RetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get(HeaderRetryAfter); v != "" {
		if seconds, err := strconv.ParseFloat(v, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return defaultRetryAfter
}
