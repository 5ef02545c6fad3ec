package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmerrifield20/medledger/internal/admin"
	"github.com/jmerrifield20/medledger/internal/api"
	"github.com/jmerrifield20/medledger/internal/ledger"
	"github.com/jmerrifield20/medledger/internal/store"
)

func init() { gin.SetMode(gin.TestMode) }

const adminSecret = "open sesame"

// ── Helpers ──────────────────────────────────────────────────────────────

type fixture struct {
	router http.Handler
	svc    *ledger.Service
	store  *store.MemoryStore
	auth   *admin.Authenticator
}

func newFixture(t *testing.T, load bool) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	auth := admin.NewAuthenticator(string(hash), "signing-key", time.Minute)
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, zap.NewNop())
	if load {
		if err := svc.Load(context.Background()); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	r := api.NewRouter(t.Context(), svc, auth, api.RouterConfig{ReadyWait: 20 * time.Millisecond}, zap.NewNop())
	return &fixture{router: r, svc: svc, store: ms, auth: auth}
}

func (f *fixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func labEvent(id, record string) map[string]any {
	return map[string]any{
		"event_id":  id,
		"kind":      "LabResult",
		"record_id": record,
		"actor_id":  "dr-1",
		"action":    "Create",
		"payload":   map[string]any{"testCode": "HBA1C", "value": 6.1, "unit": "%"},
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestRecordEventCreatedThenDuplicate(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e1", "p1"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var rc ledger.Receipt
	decode(t, w, &rc)
	if rc.BlockIndex != 0 || rc.Duplicate || rc.BlockHash.IsZero() {
		t.Errorf("receipt = %+v", rc)
	}

	w = f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e1", "p1"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	var dup ledger.Receipt
	decode(t, w, &dup)
	if !dup.Duplicate || dup.BlockIndex != 0 || dup.BlockHash != rc.BlockHash {
		t.Errorf("duplicate receipt = %+v", dup)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

func TestRecordEventRejections(t *testing.T) {
	f := newFixture(t, true)

	cases := []struct {
		name string
		body any
	}{
		{"not json", "not an object"},
		{"missing record", map[string]any{"event_id": "x", "kind": "LabResult", "action": "Create"}},
		{"unknown kind", map[string]any{"event_id": "x", "kind": "Billing", "record_id": "p1", "action": "Create"}},
		{"payload contract", map[string]any{"event_id": "x", "kind": "Admission", "record_id": "p1", "action": "Create", "payload": map[string]any{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/ledger/events", tc.body, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
			}
		})
	}

	var st ledger.Stats
	decode(t, f.do(http.MethodGet, "/api/v1/ledger", nil, ""), &st)
	if st.TotalBlocks != 0 {
		t.Errorf("rejected events produced %d blocks", st.TotalBlocks)
	}
}

func TestNotReady(t *testing.T) {
	f := newFixture(t, false)

	if w := f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e1", "p1"), ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("write status = %d, want 503", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/v1/ledger", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("read status = %d, want 503", w.Code)
	}
	if w := f.do(http.MethodGet, "/readyz", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", w.Code)
	}
	if w := f.do(http.MethodGet, "/healthz", nil, ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}
}

func TestReadsWaitForLoad(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte(adminSecret), bcrypt.MinCost)
	svc := ledger.NewService(store.NewMemoryStore(), zap.NewNop())
	r := api.NewRouter(t.Context(), svc, admin.NewAuthenticator(string(hash), "k", 0),
		api.RouterConfig{ReadyWait: 5 * time.Second}, zap.NewNop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = svc.Load(context.Background())
	}()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestBatchHistoryAndBlocks(t *testing.T) {
	f := newFixture(t, true)

	f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e1", "p1"), "")
	w := f.do(http.MethodPost, "/api/v1/ledger/events/batch", map[string]any{
		"events": []any{labEvent("e1", "p1"), labEvent("e2", "p2"), labEvent("e3", "p1")},
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("batch status = %d, body = %s", w.Code, w.Body.String())
	}
	var batch struct {
		Receipts []ledger.Receipt `json:"receipts"`
	}
	decode(t, w, &batch)
	if len(batch.Receipts) != 3 || !batch.Receipts[0].Duplicate || batch.Receipts[1].BlockIndex != 1 || batch.Receipts[2].BlockIndex != 1 {
		t.Errorf("receipts = %+v", batch.Receipts)
	}
	f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e4", "p1"), "")

	var hist struct {
		Blocks []*ledger.Block `json:"blocks"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/records/p1/history", nil, ""), &hist)
	var got []uint64
	for _, b := range hist.Blocks {
		got = append(got, b.Index)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("history indices = %v, want [0 1 2]", got)
	}

	var page struct {
		Blocks []*ledger.Block `json:"blocks"`
		Count  int             `json:"count"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/blocks?from=1&limit=5", nil, ""), &page)
	if page.Count != 2 || page.Blocks[0].Index != 1 {
		t.Errorf("page = %+v", page)
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/blocks?tail=1", nil, ""), &page)
	if page.Count != 1 || page.Blocks[0].Index != 2 {
		t.Errorf("tail = %+v", page)
	}

	if w := f.do(http.MethodGet, "/api/v1/ledger/blocks/2", nil, ""); w.Code != http.StatusOK {
		t.Errorf("block 2 status = %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/v1/ledger/blocks/9", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("block 9 status = %d, want 404", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/v1/ledger/blocks/-1", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("block -1 status = %d, want 400", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/v1/ledger/blocks?limit=0", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("limit 0 status = %d, want 400", w.Code)
	}

	var dash map[string]any
	decode(t, f.do(http.MethodGet, "/api/v1/stats", nil, ""), &dash)
	if dash["blockchainBlocks"] != float64(3) {
		t.Errorf("blockchainBlocks = %v", dash["blockchainBlocks"])
	}
	if dash["integrity"] != "unverified" {
		t.Errorf("integrity = %v", dash["integrity"])
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t, true)
	f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e1", "p1"), "")
	f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e2", "p1"), "")

	var ok struct {
		Report ledger.Report `json:"report"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/verify", nil, ""), &ok)
	if !ok.Report.Valid || !ok.Report.Complete || ok.Report.Checked != 2 {
		t.Fatalf("report = %+v", ok.Report)
	}
	if w := f.do(http.MethodGet, "/health/integrity", nil, ""); w.Code != http.StatusOK {
		t.Errorf("integrity status = %d", w.Code)
	}

	// Change one byte of block 0's sealedAt.
	f.store.Tamper(0, func(rec []byte) []byte {
		rec[len(rec)-33] ^= 0x01
		return rec
	})

	var bad struct {
		Report ledger.Report `json:"report"`
		Error  string        `json:"error"`
	}
	w := f.do(http.MethodGet, "/api/v1/ledger/verify?timeout=5s", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	decode(t, w, &bad)
	if bad.Report.Valid || bad.Report.FirstFailureIndex == nil || *bad.Report.FirstFailureIndex != 0 {
		t.Fatalf("report = %+v", bad.Report)
	}
	if bad.Report.Reason != ledger.HashMismatch || !strings.Contains(bad.Error, "block 0") {
		t.Errorf("reason = %v, error = %q", bad.Report.Reason, bad.Error)
	}

	if w := f.do(http.MethodGet, "/health/integrity", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("integrity status = %d, want 503", w.Code)
	}
	var dash map[string]any
	decode(t, f.do(http.MethodGet, "/api/v1/stats", nil, ""), &dash)
	if dash["integrity"] != "corrupted" {
		t.Errorf("integrity = %v", dash["integrity"])
	}
}

func TestVerifyRangeParams(t *testing.T) {
	f := newFixture(t, true)
	for _, id := range []string{"e1", "e2", "e3"} {
		f.do(http.MethodPost, "/api/v1/ledger/events", labEvent(id, "p1"), "")
	}

	var out struct {
		Report ledger.Report `json:"report"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/verify?from=1", nil, ""), &out)
	if !out.Report.Passed() || out.Report.From != 1 || out.Report.To != 2 || out.Report.Checked != 2 {
		t.Errorf("report = %+v", out.Report)
	}

	for path, want := range map[string]int{
		"/api/v1/ledger/verify?from=2&to=1":    http.StatusBadRequest,
		"/api/v1/ledger/verify?to=7":           http.StatusNotFound,
		"/api/v1/ledger/verify?timeout=banana": http.StatusBadRequest,
		"/api/v1/ledger/verify?from=x":         http.StatusBadRequest,
	} {
		if w := f.do(http.MethodGet, path, nil, ""); w.Code != want {
			t.Errorf("%s: status = %d, want %d", path, w.Code, want)
		}
	}
}

func TestCheckpointRequiresAdmin(t *testing.T) {
	f := newFixture(t, true)
	f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e1", "p1"), "")
	f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e2", "p1"), "")

	if w := f.do(http.MethodGet, "/api/v1/ledger/checkpoint", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("empty checkpoint status = %d, want 404", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/v1/ledger/checkpoint", map[string]any{"index": 0}, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous checkpoint status = %d, want 401", w.Code)
	}

	var tok struct {
		Token string `json:"token"`
	}
	decode(t, f.do(http.MethodPost, "/api/v1/admin/token", map[string]string{"secret": adminSecret, "operator": "auditor"}, ""), &tok)

	if w := f.do(http.MethodPost, "/api/v1/ledger/checkpoint", map[string]any{}, tok.Token); w.Code != http.StatusBadRequest {
		t.Errorf("missing index status = %d, want 400", w.Code)
	}
	w := f.do(http.MethodPost, "/api/v1/ledger/checkpoint", map[string]any{"index": 0}, tok.Token)
	if w.Code != http.StatusCreated {
		t.Fatalf("checkpoint status = %d, body = %s", w.Code, w.Body.String())
	}
	var cp ledger.Checkpoint
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/checkpoint", nil, ""), &cp)
	if cp.Index != 0 || cp.AssertedBy != "auditor" {
		t.Errorf("checkpoint = %+v", cp)
	}

	var out struct {
		Report ledger.Report `json:"report"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/verify", nil, ""), &out)
	if !out.Report.Passed() || !out.Report.Anchored || out.Report.From != 1 {
		t.Errorf("anchored report = %+v", out.Report)
	}
}

// failingService reports a storage failure on every write.
type failingService struct{ *ledger.Service }

func (failingService) RecordEvent(context.Context, ledger.Event) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.IOError("append", errors.New("disk on fire"))
}

func TestStorageFailureHidesDetail(t *testing.T) {
	svc := ledger.NewService(store.NewMemoryStore(), zap.NewNop())
	if err := svc.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := api.NewRouter(t.Context(), failingService{svc}, nil, api.RouterConfig{}, zap.NewNop())

	b, _ := json.Marshal(labEvent("e1", "p1"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/ledger/events", bytes.NewReader(b)))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "fire") || !strings.Contains(w.Body.String(), "storage failure") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	r := gin.New()
	r.Use(api.RateLimiter(t.Context(), api.RateLimit{RPS: 1, Burst: 2}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	var limited bool
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code == http.StatusTooManyRequests {
			limited = true
			if w.Header().Get("Retry-After") == "" {
				t.Error("Retry-After missing")
			}
		}
	}
	if !limited {
		t.Error("expected a 429 within 5 rapid requests")
	}
}

func TestRateLimiterSeparatesWrites(t *testing.T) {
	r := gin.New()
	r.Use(api.RateLimiter(t.Context(), api.RateLimit{RPS: 1, Burst: 1, WriteRPS: 1, WriteBurst: 3}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(method string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, "/", nil))
		return w.Code
	}

	if code := serve(http.MethodGet); code != http.StatusOK {
		t.Fatalf("first read = %d", code)
	}
	if code := serve(http.MethodGet); code != http.StatusTooManyRequests {
		t.Fatalf("second read = %d, want 429", code)
	}
	// The exhausted read bucket does not block writes from the same client.
	for i := 0; i < 3; i++ {
		if code := serve(http.MethodPost); code != http.StatusOK {
			t.Fatalf("write %d = %d, want 200", i, code)
		}
	}
	if code := serve(http.MethodPost); code != http.StatusTooManyRequests {
		t.Errorf("write past burst = %d, want 429", code)
	}
}

func TestIntegrityReportsLoadFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := ledger.NewService(unreadableStore{ms}, zap.NewNop())
	if err := svc.Load(context.Background()); err == nil {
		t.Fatal("expected Load to fail")
	}
	r := api.NewRouter(t.Context(), svc, nil, api.RouterConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/integrity", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "failed") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestIntegrityAlarmAfterRestartOverUndecodableBlock(t *testing.T) {
	f := newFixture(t, true)
	for _, id := range []string{"e0", "e1", "e2"} {
		if w := f.do(http.MethodPost, "/api/v1/ledger/events", labEvent(id, "p1"), ""); w.Code != http.StatusCreated {
			t.Fatalf("record %s: %d", id, w.Code)
		}
	}
	f.store.Tamper(1, func(rec []byte) []byte { return rec[:len(rec)-5] })

	svc := ledger.NewService(f.store, zap.NewNop())
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := api.NewRouter(t.Context(), svc, nil, api.RouterConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/integrity", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "corrupted") {
		t.Fatalf("integrity = %d %s", w.Code, w.Body.String())
	}
}

// unreadableStore fails every length read.
type unreadableStore struct{ *store.MemoryStore }

func (unreadableStore) Len(context.Context) (uint64, error) {
	return 0, errors.New("disk on fire")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.do(http.MethodPost, "/api/v1/ledger/events", labEvent("e1", "p1"), "")

	w := f.do(http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, name := range []string{"medledger_events_total", "medledger_chain_length", "medledger_requests_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}
