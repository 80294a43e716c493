package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsWithinBudget(t *testing.T) {
	l := New(3)
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("client-a")
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, resetAt := l.Allow("client-a")
	assert.False(t, ok)
	assert.True(t, resetAt.After(time.Now()))

	// Other clients keep their own window.
	ok, _ = l.Allow("client-b")
	assert.True(t, ok)
}

func TestLimiterWindowExpiry(t *testing.T) {
	l := New(1)
	defer l.Close()

	ok, _ := l.Allow("c")
	require.True(t, ok)
	ok, _ = l.Allow("c")
	require.False(t, ok)

	// Force the window into the past.
	l.mu.Lock()
	l.data["c"].windowEnd = time.Now().Add(-time.Second)
	l.mu.Unlock()

	ok, _ = l.Allow("c")
	assert.True(t, ok)
}

func TestMiddlewareRejectsWithEnvelope(t *testing.T) {
	l := New(1)
	defer l.Close()

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/send", nil)
	req.RemoteAddr = "127.0.0.1:54321"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}
