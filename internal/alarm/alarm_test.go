package alarm_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/alarm"
	"github.com/jmerrifield20/medledger/internal/ledger"
)

func failedReport() *ledger.Report {
	i := uint64(4)
	return &ledger.Report{Valid: false, Complete: true, FirstFailureIndex: &i, Reason: ledger.HashMismatch, To: 9, Length: 10, Checked: 5}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := alarm.Sign(body, "s3cret")
	if len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature %q", sig)
	}
	if !alarm.Verify(body, "s3cret", sig) {
		t.Error("valid signature rejected")
	}
	if alarm.Verify([]byte(`{"x":2}`), "s3cret", sig) {
		t.Error("signature accepted for different body")
	}
	if alarm.Sign(body, "") != "" {
		t.Error("empty secret should not sign")
	}
}

func TestDispatcherDeliversSignedAlert(t *testing.T) {
	var (
		mu       sync.Mutex
		got      alarm.Alert
		validSig bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		validSig = alarm.Verify(body, "s3cret", r.Header.Get(alarm.SignatureHeader))
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var outcomes []bool
	d := alarm.NewDispatcher([]string{srv.URL}, "s3cret", zap.NewNop())
	d.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	ctx, cancel := context.WithCancel(context.Background())
	d.CorruptionDetected(ctx, failedReport())
	cancel() // delivery must not depend on the caller's context
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !validSig {
		t.Error("signature did not verify")
	}
	if got.Type != alarm.EventCorruptionDetected || got.ID == "" {
		t.Errorf("unexpected alert: %+v", got)
	}
	if got.Report == nil || got.Report.FirstFailureIndex == nil || *got.Report.FirstFailureIndex != 4 {
		t.Errorf("report not carried: %+v", got.Report)
	}
	if got.Report.Reason != ledger.HashMismatch {
		t.Errorf("reason = %v", got.Report.Reason)
	}
	if len(outcomes) != 1 || !outcomes[0] {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestDispatcherRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := alarm.NewDispatcher([]string{srv.URL}, "", zap.NewNop())
	d.SetRetryDelays([]time.Duration{0, time.Millisecond, time.Millisecond})
	d.CorruptionDetected(context.Background(), failedReport())
	d.Wait()

	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestDispatcherGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := alarm.NewDispatcher([]string{srv.URL, srv.URL}, "k", zap.NewNop())
	d.SetRetryDelays([]time.Duration{0, time.Millisecond})
	d.CorruptionDetected(context.Background(), failedReport())
	d.Wait()

	if n := calls.Load(); n != 4 {
		t.Errorf("calls = %d, want 4 (2 urls x 2 attempts)", n)
	}
}

func TestDispatcherWithoutURLs(t *testing.T) {
	d := alarm.NewDispatcher(nil, "", zap.NewNop())
	d.CorruptionDetected(context.Background(), failedReport())
	d.Wait()
}

var _ ledger.Notifier = (*alarm.Dispatcher)(nil)
