package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zanewnch/aiot-gateway-lb/internal/config"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(handler http.Handler, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/admin/services", nil)
	req.RemoteAddr = remoteAddr
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder.Code
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 1,
		BurstSize:         3,
	}, logger.NewNop())
	handler := limiter.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1234"))
	}
}

func TestRateLimiterRejectsBeyondBurst(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 0.1,
		BurstSize:         2,
	}, logger.NewNop())
	handler := limiter.Middleware(okHandler())

	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:1234"))
}

func TestRateLimiterIsPerClient(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 0.1,
		BurstSize:         1,
	}, logger.NewNop())
	handler := limiter.Middleware(okHandler())

	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:5678"), "same IP, different port shares the bucket")
	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.2:1234"), "a different client gets its own bucket")
}

func TestRateLimiterDisabledPassesThrough(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(config.RateLimitConfig{Enabled: false}, logger.NewNop())
	handler := limiter.Middleware(okHandler())

	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1234"))
	}
}
