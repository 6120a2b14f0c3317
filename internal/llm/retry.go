package llm

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
)

// RetryPolicy decides whether and how long to wait before retrying a failed
// completion request. Sleep is injectable so tests run without real delays.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Retryable  func(status int) bool
	Sleep      func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries up to three times with 1s, 2s, 4s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		Retryable:  DefaultRetryable,
		Sleep:      SleepContext,
	}
}

// DefaultRetryable retries network failures (status 0) and every
// non-success HTTP status.
func DefaultRetryable(status int) bool {
	return status == 0 || status >= http.StatusBadRequest
}

// Backoff returns the exponential delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Delay prefers a server-provided Retry-After over the computed backoff.
// Both are capped by MaxDelay so one call can never wait unbounded.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	d := p.Backoff(attempt)
	if retryAfter > 0 {
		d = retryAfter
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) retryable(status int) bool {
	if p.Retryable == nil {
		return DefaultRetryable(status)
	}
	return p.Retryable(status)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep == nil {
		return SleepContext(ctx, d)
	}
	return p.Sleep(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when the header is absent or unusable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
