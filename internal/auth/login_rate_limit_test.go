package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoginRateLimiter(t *testing.T) {
	clock := newFakeClock(testEpoch)
	limiter := NewLoginRateLimiter(2, time.Minute)
	limiter.WithClock(clock.Now)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send("10.0.0.1").Code)
	assert.Equal(t, http.StatusNoContent, send("10.0.0.1").Code)

	rec := send("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, []string{"30", "31"}, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many login attempts"}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, send("10.0.0.2").Code, "limits are per client")

	clock.Advance(31 * time.Second)
	assert.Equal(t, http.StatusNoContent, send("10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1").Code)
}
