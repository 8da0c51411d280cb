package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// StatusError carries an upstream HTTP status through the error chain so the
// classifier can tell retryable server trouble from caller mistakes.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d from %s", e.StatusCode, e.URL)
}

// IsRetryable classifies errors the way breakers fronting market-data calls
// count failures: retryable network conditions and HTTP 5xx/408/429. Plain
// 4xx responses are the caller's problem and do not count.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == 408 || se.StatusCode == 429
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op)
}

// RetryPolicy is exponential backoff with jitter, clamped to MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// JitterPct is the ± fraction applied to each delay; default 0.5.
	JitterPct float64
}

// DefaultRetryPolicy matches the upstream fetch retry contract.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
		JitterPct:   0.5,
	}
}

// Delay returns the backoff before the given zero-based retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); base > max {
		base = max
	}
	jitter := p.JitterPct
	if jitter <= 0 {
		jitter = 0.5
	}
	// ±jitter around the clamped base
	factor := 1 + jitter*(2*rand.Float64()-1)
	d := time.Duration(base * factor)
	if d < 0 {
		d = 0
	}
	return d
}

// Retry runs op, retrying retryable failures per the policy. The last error
// is returned when attempts are exhausted or the error is not retryable.
func Retry(ctx context.Context, p RetryPolicy, op func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == p.MaxAttempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
