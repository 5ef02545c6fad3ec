// Package alarm delivers operator notifications when chain verification
// finds corruption. Each notification is a JSON POST signed with
// HMAC-SHA256 and retried with backoff.
package alarm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// EventCorruptionDetected is the Type of every alert this package sends.
const EventCorruptionDetected = "ledger.corruption_detected"

// SignatureHeader carries "sha256=<hex hmac of body>".
const SignatureHeader = "X-Ledger-Signature"

// Alert is the body POSTed to each configured URL.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Report    *ledger.Report `json:"report"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher implements ledger.Notifier by POSTing alerts to a fixed set of
// operator URLs.
type Dispatcher struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. An empty secret sends unsigned alerts.
func NewDispatcher(urls []string, secret string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		urls:       urls,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) { d.onMetrics = fn }

// SetRetryDelays replaces the wait before each attempt; len(delays) is the
// number of attempts.
func (d *Dispatcher) SetRetryDelays(delays []time.Duration) { d.delays = delays }

// CorruptionDetected implements ledger.Notifier. Delivery runs in the
// background and survives cancellation of ctx.
func (d *Dispatcher) CorruptionDetected(ctx context.Context, rep *ledger.Report) {
	if len(d.urls) == 0 {
		d.logger.Warn("corruption detected but no alert URLs configured")
		return
	}
	alert := Alert{
		ID:        uuid.New().String(),
		Type:      EventCorruptionDetected,
		Timestamp: time.Now().UTC(),
		Report:    rep,
	}
	body, err := json.Marshal(alert)
	if err != nil {
		d.logger.Error("alarm: marshal alert", zap.Error(err))
		return
	}
	signature := Sign(body, d.secret)

	bg := context.WithoutCancel(ctx)
	for _, url := range d.urls {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			d.deliver(bg, url, alert.ID, body, signature)
		}(url)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, url, id string, body []byte, signature string) {
	for attempt, delay := range d.delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		success, errMsg := d.doDelivery(ctx, url, id, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(success)
		}
		if success {
			d.logger.Info("corruption alert delivered", zap.String("url", url), zap.String("alert_id", id))
			return
		}
		d.logger.Warn("alarm: delivery failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
	d.logger.Error("alarm: giving up on alert", zap.String("url", url), zap.String("alert_id", id))
}

func (d *Dispatcher) doDelivery(ctx context.Context, url, id string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledger-Alert-ID", id)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, ""
	}
	return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// Sign computes the signature header value for body. It returns "" when
// secret is empty.
func Sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. Receivers use
// it to authenticate alerts.
func Verify(body []byte, secret, signature string) bool {
	want := Sign(body, secret)
	return want != "" && hmac.Equal([]byte(want), []byte(signature))
}
