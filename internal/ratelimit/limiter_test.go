package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	t := start
	return &t, func() time.Time { return t }
}

func TestAdmit_RejectsOverLimit(t *testing.T) {
	now, clock := fixedClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	l := New(map[string]Rule{"/enrich": {Max: 3, Window: time.Minute}}).WithNow(clock)

	for i := 0; i < 3; i++ {
		d := l.Admit("10.0.0.1", "/enrich")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3-(i+1), d.Remaining)
	}

	// Fourth request inside the window is rejected.
	d := l.Admit("10.0.0.1", "/enrich")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, now.Add(time.Minute), d.ResetAt)
}

func TestAdmit_WindowSlides(t *testing.T) {
	now, clock := fixedClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	l := New(map[string]Rule{"/enrich": {Max: 2, Window: time.Minute}}).WithNow(clock)

	require.True(t, l.Admit("c", "/enrich").Allowed)
	require.True(t, l.Admit("c", "/enrich").Allowed)
	require.False(t, l.Admit("c", "/enrich").Allowed)

	// Immediately after resetAt, the oldest event has expired and a slot frees.
	*now = now.Add(time.Minute + time.Second)
	assert.True(t, l.Admit("c", "/enrich").Allowed)
}

func TestAdmit_CallersAreIndependent(t *testing.T) {
	_, clock := fixedClock(time.Now())
	l := New(map[string]Rule{"/enrich": {Max: 1, Window: time.Minute}}).WithNow(clock)

	require.True(t, l.Admit("a", "/enrich").Allowed)
	require.False(t, l.Admit("a", "/enrich").Allowed)
	assert.True(t, l.Admit("b", "/enrich").Allowed)
}

func TestAdmit_DefaultRuleForUnlistedEndpoint(t *testing.T) {
	l := New(nil)
	d := l.Admit("a", "/whatever")
	assert.True(t, d.Allowed)
	assert.Equal(t, DefaultRule.Max, d.Limit)
}

func TestAdmit_ConcurrentAdmitsDoNotOversubscribe(t *testing.T) {
	l := New(map[string]Rule{"/enrich": {Max: 10, Window: time.Minute}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("same-caller", "/enrich").Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, admitted)
}

func TestMiddleware_Headers(t *testing.T) {
	l := New(map[string]Rule{"/x": {Max: 1, Window: time.Minute}})
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.9:4242"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}
