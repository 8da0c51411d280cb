package breaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	b := New(Config{
		Name:                     "test",
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 3,
		HalfOpenMaxCalls:         1,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_SuccessDecrementsFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	// One success buys back one failure; the next failure does not trip.
	require.NoError(t, b.Execute(context.Background(), ok))
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Three successful probes close the breaker.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(context.Background(), ok))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	*now = now.Add(31 * time.Second)

	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// Clock has not advanced since the reopen, so admission is rejected.
	assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrCircuitOpen)
}

func TestBreaker_HalfOpenConcurrencyLimit(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	*now = now.Add(31 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// The single probe slot is taken; additional callers are rejected.
	assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrCircuitOpen)
	close(release)
	wg.Wait()
}

func TestBreaker_NeutralErrorsDoNotCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.cfg.Classify = IsRetryable

	notFound := &StatusError{StatusCode: 404, URL: "http://x"}
	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return notFound })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&StatusError{StatusCode: 500}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 429}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 408}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: 404}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: 400}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("some app error")))
}

func TestRetryPolicy_DelayClampAndJitter(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    400 * time.Millisecond,
		JitterPct:   0.5,
	}
	for attempt := 0; attempt < 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			// Clamped base is at most MaxDelay; jitter adds at most +50%.
			assert.LessOrEqual(t, d, 600*time.Millisecond)
		}
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryPolicy(), func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 400}
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestMiddleware_ClassifiesStatus(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.cfg.FailureThreshold = 2

	status := http.StatusInternalServerError
	h := b.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	do := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		return rec.Code
	}

	assert.Equal(t, 500, do())
	assert.Equal(t, 500, do())
	// Two 5xx responses tripped the breaker.
	assert.Equal(t, http.StatusServiceUnavailable, do())

	// 404s are neutral and never trip a fresh breaker.
	b2, _ := newTestBreaker(t)
	b2.cfg.FailureThreshold = 2
	status = http.StatusNotFound
	h = b2.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		assert.Equal(t, 404, rec.Code)
	}
	assert.Equal(t, StateClosed, b2.State())
}
