package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/medledger/internal/admin"
	"github.com/jmerrifield20/medledger/internal/alarm"
	"github.com/jmerrifield20/medledger/internal/api"
	"github.com/jmerrifield20/medledger/internal/config"
	"github.com/jmerrifield20/medledger/internal/ledger"
	"github.com/jmerrifield20/medledger/internal/logging"
	"github.com/jmerrifield20/medledger/internal/store"
	"github.com/jmerrifield20/medledger/internal/tracing"
	"github.com/jmerrifield20/medledger/internal/watchdog"
)

func main() {
	cfg, found, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("load config", zap.Error(err))
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledger exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Tracing ──────────────────────────────────────────────────────────────
	tp, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "medledger",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	// ── Chain store ──────────────────────────────────────────────────────────
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var opts []ledger.Option

	// ── Record index ─────────────────────────────────────────────────────────
	if cfg.Index.Backend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		idx := store.NewRedisIndex(rdb, cfg.Redis.Prefix)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := idx.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		opts = append(opts, ledger.WithIndex(idx))
		logger.Info("record index: redis", zap.String("addr", cfg.Redis.Addr))
	}

	// ── Corruption alerts ────────────────────────────────────────────────────
	dispatcher := alarm.NewDispatcher(cfg.Alerts.URLs, cfg.Alerts.Secret, logger)
	dispatcher.SetMetricsRecorder(api.RecordAlertDelivery)
	defer dispatcher.Wait()
	opts = append(opts, ledger.WithNotifier(dispatcher))
	if len(cfg.Alerts.URLs) == 0 {
		logger.Warn("no alert URLs configured; corruption will only be logged and exposed on /health/integrity")
	}

	svc := ledger.NewService(st, logger, opts...)

	// The chain is replayed in the background; reads wait for it and writes
	// get 503 until it is ready.
	go func() {
		if err := svc.Load(ctx); err != nil {
			logger.Error("ledger failed to load", zap.Error(err))
			return
		}
		if s, err := svc.Stats(ctx); err == nil {
			api.SetChainLength(s.TotalBlocks)
			logger.Info("ledger ready",
				zap.Uint64("blocks", s.TotalBlocks),
				zap.String("head", s.HeadHash.Short()),
			)
		}
	}()

	// ── Admin auth ───────────────────────────────────────────────────────────
	var auth *admin.Authenticator
	if cfg.Admin.SecretHash != "" && cfg.Admin.TokenSecret != "" {
		auth = admin.NewAuthenticator(cfg.Admin.SecretHash, cfg.Admin.TokenSecret, cfg.Admin.TokenTTL)
	} else {
		logger.Warn("admin secret not configured; checkpoint assertion is disabled")
	}

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)

	go func() {
		logger.Info("gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()

	// ── Integrity watchdog ───────────────────────────────────────────────────
	wd := watchdog.New(svc, healthSvc, watchdog.Config{
		Interval: cfg.Verify.Interval,
		Timeout:  cfg.Verify.Timeout,
	}, logger)
	wd.SetMetricsRecord(api.RecordVerification)
	if cfg.Verify.Interval > 0 {
		go wd.Start(ctx)
	} else {
		logger.Warn("scheduled verification disabled (verify.interval is 0)")
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	router := api.NewRouter(ctx, svc, auth, api.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS:      cfg.Server.RateLimitRPS,
		WriteRateLimitRPS: cfg.Server.WriteRateLimitRPS,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(router, "medledger"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down ledger...")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	healthSvc.Shutdown()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("ledger stopped")
	return nil
}

// openStore opens the configured chain backend, optionally behind the block
// cache. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Store, func(), error) {
	var (
		st      ledger.Store
		cleanup = func() {}
	)
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory chain store; blocks are lost on restart")
		st = store.NewMemoryStore()

	case config.BackendLevelDB:
		ldb, err := store.OpenLevelDB(cfg.Store.LevelDBPath, false, logger)
		if err != nil {
			return nil, nil, err
		}
		st = ldb

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		st = store.NewPostgresStore(pool, logger)
		cleanup = pool.Close

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	logger.Info("chain store opened", zap.String("backend", cfg.Store.Backend))

	if !cfg.Cache.Enabled {
		return st, func() { closeQuietly(st, logger); cleanup() }, nil
	}
	cached, err := store.NewCachedStore(st, store.CacheConfig{
		LifeWindow:   cfg.Cache.LifeWindow,
		MaxEntrySize: cfg.Cache.MaxEntrySize,
		HardMaxMB:    cfg.Cache.HardMaxMB,
	}, logger)
	if err != nil {
		closeQuietly(st, logger)
		cleanup()
		return nil, nil, fmt.Errorf("block cache: %w", err)
	}
	registerCacheMetrics(cached)
	return cached, func() { closeQuietly(cached, logger); cleanup() }, nil
}

func registerCacheMetrics(c *store.CachedStore) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "medledger_block_cache_hits",
		Help: "Block cache hits since start.",
	}, func() float64 { return float64(c.Stats().Hits) })
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "medledger_block_cache_misses",
		Help: "Block cache misses since start.",
	}, func() float64 { return float64(c.Stats().Misses) })
}

func closeQuietly(st ledger.Store, logger *zap.Logger) {
	if err := st.Close(); err != nil {
		logger.Warn("close chain store", zap.Error(err))
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
