// Package middleware carries the HTTP middleware applied to the admin API.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zanewnch/aiot-gateway-lb/internal/config"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

// limiterCacheLimit caps the per-client limiter map before it is recycled
const limiterCacheLimit = 10000

// RateLimiter throttles admin API clients with a per-IP token bucket
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	enabled  bool
	logger   *logger.Logger
}

// NewRateLimiter creates a rate limiter from configuration
func NewRateLimiter(cfg config.RateLimitConfig, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.BurstSize,
		enabled:  cfg.Enabled,
		logger:   log.MiddlewareLogger("rate_limiter"),
	}
}

// Middleware wraps a handler with per-client rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		client := clientIP(r)
		if !rl.limiter(client).Allow() {
			rl.logger.WithField("client_ip", client).Warn("Rate limit exceeded")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":     "rate limit exceeded",
				"code":      http.StatusTooManyRequests,
				"timestamp": time.Now(),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limiter gets or creates the token bucket for a client
func (rl *RateLimiter) limiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.limiters) > limiterCacheLimit {
		rl.limiters = make(map[string]*rate.Limiter)
		rl.logger.Info("Recycled rate limiter cache")
	}

	limiter, ok := rl.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[client] = limiter
	}
	return limiter
}

// clientIP extracts the caller address, without the ephemeral port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
