// Package api is the HTTP surface of the ledger: gin routes under /api/v1,
// health probes and Prometheus metrics.
package api

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/admin"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	CORSOrigins       []string
	RateLimitRPS      int // zero disables rate limiting
	WriteRateLimitRPS int // zero shares RateLimitRPS
	MaxBodyBytes      int64
	ReadyWait         time.Duration
}

// NewRouter builds the gin engine. ctx bounds background goroutines owned
// by the middleware.
func NewRouter(ctx context.Context, svc LedgerService, auth *admin.Authenticator, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ReadyWait == 0 {
		cfg.ReadyWait = 5 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", requestIDHeader},
			ExposeHeaders:    []string{"Content-Length", requestIDHeader},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(SecurityHeaders())
	router.Use(BodyLimit(cfg.MaxBodyBytes))
	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, RateLimit{
			RPS:        cfg.RateLimitRPS,
			Burst:      cfg.RateLimitRPS * 2,
			WriteRPS:   cfg.WriteRateLimitRPS,
			WriteBurst: cfg.WriteRateLimitRPS * 2,
		}))
	}
	router.Use(PrometheusMiddleware())
	router.Use(RequestLogger(logger))

	NewHealthHandler(svc).Register(router)
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	NewLedgerHandler(svc, auth, cfg.ReadyWait, logger).Register(v1)
	admin.NewHandler(auth, logger).Register(v1)

	return router
}
