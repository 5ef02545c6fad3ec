package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger returns a Gin middleware that logs each request with zap and
// tags it with a request id.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(requestIDHeader, id)
		c.Next()
		logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// SecurityHeaders sets the standard hardening headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// BodyLimit caps request bodies at n bytes.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit sizes the per-client token buckets. Event submissions draw from
// their own bucket so a client polling reads cannot starve its own writes.
type RateLimit struct {
	RPS   int
	Burst int
	// WriteRPS and WriteBurst size the write bucket. Zero uses RPS and Burst.
	WriteRPS   int
	WriteBurst int
}

func (rl RateLimit) bucket(c *gin.Context) (key string, lim rate.Limit, burst int) {
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "r|" + c.ClientIP(), rate.Limit(rl.RPS), rl.Burst
	}
	rps, b := rl.WriteRPS, rl.WriteBurst
	if rps <= 0 {
		rps = rl.RPS
	}
	if b <= 0 {
		b = max(rl.Burst, rps)
	}
	return "w|" + c.ClientIP(), rate.Limit(rps), b
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting, with reads and writes counted separately. Stale entries are
// cleaned every 5 minutes until ctx is done.
func RateLimiter(ctx context.Context, rl RateLimit) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*ipLimiter)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for key, l := range limiters {
					if time.Since(l.lastSeen) > 10*time.Minute {
						delete(limiters, key)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		key, lim, burst := rl.bucket(c)

		mu.Lock()
		l, ok := limiters[key]
		if !ok {
			l = &ipLimiter{limiter: rate.NewLimiter(lim, burst)}
			limiters[key] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
