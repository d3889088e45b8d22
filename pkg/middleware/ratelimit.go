// Package middleware carries the HTTP cross-cutting concerns: per-client
// rate limiting and security response headers.
package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipLimiters hands out one token bucket per client IP.
type ipLimiters struct {
	mu    sync.Mutex
	ips   map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Bound memory under address churn.
	if len(l.ips) > 10000 {
		l.ips = make(map[string]*rate.Limiter)
	}
	lim, ok := l.ips[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.ips[ip] = lim
	}
	return lim
}

// RateLimit rejects clients exceeding limit requests per second with a burst
// allowance, keyed by client IP.
func RateLimit(limit rate.Limit, burst int) gin.HandlerFunc {
	limiters := &ipLimiters{ips: make(map[string]*rate.Limiter), limit: limit, burst: burst}
	return func(c *gin.Context) {
		if !limiters.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:Error"},
				"status":  "429",
				"detail":  "too many requests",
			})
			return
		}
		c.Next()
	}
}
