package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_events_total",
		Help: "Events submitted, by outcome (sealed, duplicate).",
	}, []string{"outcome"})

	blocksSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medledger_blocks_sealed_total",
		Help: "Blocks sealed and appended by this process.",
	})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_rejections_total",
		Help: "Rejected ledger operations by error class.",
	}, []string{"class"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medledger_chain_length",
		Help: "Number of blocks on the chain.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_verifications_total",
		Help: "Chain verification runs by result (valid, corrupted, incomplete, error).",
	}, []string{"result"})

	verificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medledger_verification_duration_seconds",
		Help:    "Chain verification duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
	})

	corruptionAlarm = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medledger_corruption_alarm",
		Help: "1 while a chain corruption alarm stands, 0 otherwise.",
	})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_alert_deliveries_total",
		Help: "Corruption alert deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordReceipts counts submitted events and the block they produced.
func RecordReceipts(rcs ...ledger.Receipt) {
	sealed := false
	for _, rc := range rcs {
		if rc.Duplicate {
			eventsTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		eventsTotal.WithLabelValues("sealed").Inc()
		sealed = true
	}
	if sealed {
		blocksSealedTotal.Inc()
	}
}

// RecordRejection counts a rejected operation by error class.
func RecordRejection(class string) {
	rejectionsTotal.WithLabelValues(class).Inc()
}

// SetChainLength sets the chain length gauge.
func SetChainLength(n uint64) {
	chainLength.Set(float64(n))
}

// RecordVerification records a verification run and updates the alarm gauge.
func RecordVerification(rep *ledger.Report, err error) {
	switch {
	case err != nil || rep == nil:
		verificationsTotal.WithLabelValues("error").Inc()
		return
	case !rep.Valid:
		verificationsTotal.WithLabelValues("corrupted").Inc()
		corruptionAlarm.Set(1)
	case !rep.Complete:
		verificationsTotal.WithLabelValues("incomplete").Inc()
	default:
		verificationsTotal.WithLabelValues("valid").Inc()
	}
	verificationDuration.Observe(rep.Duration.Seconds())
}

// SetAlarm sets the corruption alarm gauge.
func SetAlarm(standing bool) {
	if standing {
		corruptionAlarm.Set(1)
	} else {
		corruptionAlarm.Set(0)
	}
}

// RecordAlertDelivery records a corruption alert delivery attempt.
func RecordAlertDelivery(success bool) {
	if success {
		alertDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		alertDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
