// Package watchdog runs chain verification on a schedule and publishes the
// result to gRPC health, metrics and the log.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// ServiceName is the gRPC health service name the watchdog reports under.
const ServiceName = "medledger.Ledger"

// Config holds watchdog configuration.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Verifier is the part of *ledger.Service the watchdog drives.
type Verifier interface {
	Ready() <-chan struct{}
	State() ledger.State
	VerifyChain(ctx context.Context) (*ledger.Report, error)
	Alarm() (*ledger.Alarm, *ledger.Report)
}

// MetricsRecordFunc is an optional callback for recording verification runs.
// err is non-nil when the run could not produce a report.
type MetricsRecordFunc func(rep *ledger.Report, err error)

// Watchdog periodically verifies the chain.
type Watchdog struct {
	svc       Verifier
	health    *health.Server
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// New creates a Watchdog. hs may be nil when no gRPC server is running.
func New(svc Verifier, hs *health.Server, cfg Config, logger *zap.Logger) *Watchdog {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	w := &Watchdog{svc: svc, health: hs, cfg: cfg, logger: logger}
	w.publish()
	return w
}

// SetMetricsRecord configures the metrics recording callback.
func (w *Watchdog) SetMetricsRecord(fn MetricsRecordFunc) {
	w.onMetrics = fn
}

// Start waits for the service to become ready, verifies once, then verifies
// every Interval until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	select {
	case <-w.svc.Ready():
	case <-ctx.Done():
		return
	}
	w.publish()
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one bounded verification and publishes the outcome.
func (w *Watchdog) RunOnce(ctx context.Context) *ledger.Report {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	rep, err := w.svc.VerifyChain(runCtx)
	w.mu.Lock()
	w.lastRun = time.Now().UTC()
	w.mu.Unlock()

	if w.onMetrics != nil {
		w.onMetrics(rep, err)
	}

	switch {
	case err != nil:
		w.logger.Error("watchdog: verification error", zap.Error(err))
	case !rep.Valid:
		w.logger.Error("watchdog: chain corruption",
			zap.Uint64("index", *rep.FirstFailureIndex),
			zap.Stringer("reason", rep.Reason),
		)
	case !rep.Complete:
		w.logger.Warn("watchdog: verification timed out",
			zap.Uint64("checked", rep.Checked),
			zap.Duration("timeout", w.cfg.Timeout),
		)
	default:
		w.logger.Info("watchdog: chain verified",
			zap.Uint64("from", rep.From),
			zap.Uint64("checked", rep.Checked),
			zap.Duration("took", rep.Duration),
		)
	}

	w.publish()
	return rep
}

// LastRun returns when the watchdog last finished a run.
func (w *Watchdog) LastRun() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRun
}

// Healthy reports whether the service is ready and no corruption alarm stands.
func (w *Watchdog) Healthy() bool {
	if w.svc.State() != ledger.StateReady {
		return false
	}
	a, _ := w.svc.Alarm()
	return a == nil
}

func (w *Watchdog) publish() {
	if w.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if w.Healthy() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	w.health.SetServingStatus(ServiceName, status)
	w.health.SetServingStatus("", status)
}
