package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/admin"
	"github.com/jmerrifield20/medledger/internal/ledger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBatchSize    = 256
	maxVerifyWait   = 10 * time.Minute
)

// LedgerService is the subset of *ledger.Service the HTTP layer uses.
type LedgerService interface {
	State() ledger.State
	Ready() <-chan struct{}
	RecordEvent(ctx context.Context, e ledger.Event) (ledger.Receipt, error)
	RecordBatch(ctx context.Context, events []ledger.Event) ([]ledger.Receipt, error)
	History(ctx context.Context, recordID string) ([]*ledger.Block, error)
	Block(ctx context.Context, index uint64) (*ledger.Block, error)
	Blocks(ctx context.Context, from uint64, limit int) ([]*ledger.Block, error)
	Tail(ctx context.Context, n int) ([]*ledger.Block, error)
	Stats(ctx context.Context) (ledger.Stats, error)
	Alarm() (*ledger.Alarm, *ledger.Report)
	VerifyChain(ctx context.Context) (*ledger.Report, error)
	VerifyRange(ctx context.Context, from, to uint64) (*ledger.Report, error)
	SetCheckpoint(ctx context.Context, index uint64, assertedBy string) (*ledger.Checkpoint, error)
	Checkpoint(ctx context.Context) (*ledger.Checkpoint, error)
}

// LedgerHandler exposes the ledger over HTTP. No route edits or removes a
// block.
type LedgerHandler struct {
	svc       LedgerService
	auth      *admin.Authenticator
	readyWait time.Duration
	logger    *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. Read routes wait up to
// readyWait for the service to finish loading before answering 503.
func NewLedgerHandler(svc LedgerService, auth *admin.Authenticator, readyWait time.Duration, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, auth: auth, readyWait: readyWait, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.POST("/events", h.RecordEvent)
		l.POST("/events/batch", h.RecordBatch)

		reads := l.Group("", h.requireReady())
		reads.GET("", h.Overview)
		reads.GET("/blocks", h.ListBlocks)
		reads.GET("/blocks/:idx", h.GetBlock)
		reads.GET("/records/:recordId/history", h.History)
		reads.GET("/verify", h.Verify)
		reads.GET("/checkpoint", h.GetCheckpoint)
		reads.POST("/checkpoint", h.auth.RequireAdmin(), h.SetCheckpoint)
	}
	rg.GET("/stats", h.requireReady(), h.DashboardStats)
}

// requireReady holds a request until the service is Ready, answering 503
// after readyWait or if loading failed.
func (h *LedgerHandler) requireReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.svc.State() != ledger.StateReady {
			t := time.NewTimer(h.readyWait)
			select {
			case <-h.svc.Ready():
			case <-t.C:
			case <-c.Request.Context().Done():
			}
			t.Stop()
		}
		if st := h.svc.State(); st != ledger.StateReady {
			RecordRejection("not_ready")
			c.Header("Retry-After", "5")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": ledger.ErrNotReady.Error(),
				"state": st.String(),
			})
			return
		}
		c.Next()
	}
}

// RecordEvent handles POST /ledger/events. A new event answers 201; an
// event id already on the chain answers 200 with duplicate set.
func (h *LedgerHandler) RecordEvent(c *gin.Context) {
	var e ledger.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		RecordRejection("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rc, err := h.svc.RecordEvent(c.Request.Context(), e)
	if err != nil {
		writeError(c, h.logger, "record event", err)
		return
	}
	RecordReceipts(rc)
	if rc.Duplicate {
		c.JSON(http.StatusOK, rc)
		return
	}
	SetChainLength(rc.BlockIndex + 1)
	c.JSON(http.StatusCreated, rc)
}

type batchRequest struct {
	Events []ledger.Event `json:"events" binding:"required"`
}

// RecordBatch handles POST /ledger/events/batch. It seals every new event of
// the batch into one block.
func (h *LedgerHandler) RecordBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RecordRejection("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Events) > maxBatchSize {
		RecordRejection("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch exceeds " + strconv.Itoa(maxBatchSize) + " events"})
		return
	}
	rcs, err := h.svc.RecordBatch(c.Request.Context(), req.Events)
	if err != nil {
		writeError(c, h.logger, "record batch", err)
		return
	}
	RecordReceipts(rcs...)

	status := http.StatusOK
	for _, rc := range rcs {
		if !rc.Duplicate {
			status = http.StatusCreated
			SetChainLength(rc.BlockIndex + 1)
			break
		}
	}
	c.JSON(status, gin.H{"receipts": rcs})
}

// Overview handles GET /ledger: chain length, head hash and integrity.
func (h *LedgerHandler) Overview(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "stats", err)
		return
	}
	SetChainLength(st.TotalBlocks)
	c.JSON(http.StatusOK, st)
}

// DashboardStats handles GET /stats. blockchainBlocks is the key the
// hospital dashboard reads.
func (h *LedgerHandler) DashboardStats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"blockchainBlocks": st.TotalBlocks,
		"headHash":         st.HeadHash,
		"lastSealedAt":     st.LastSealedAt,
		"integrity":        integrity(st.Alarm, st.LastVerification),
		"state":            st.State,
	})
}

// integrity summarises the alarm and last report as ok, corrupted or
// unverified.
func integrity(a *ledger.Alarm, last *ledger.Report) string {
	switch {
	case a != nil:
		return "corrupted"
	case last == nil || !last.Complete:
		return "unverified"
	}
	return "ok"
}

// ListBlocks handles GET /ledger/blocks?from=&limit= and ?tail=n.
func (h *LedgerHandler) ListBlocks(c *gin.Context) {
	ctx := c.Request.Context()

	if t := c.Query("tail"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be an integer in [0," + strconv.Itoa(maxPageSize) + "]"})
			return
		}
		blocks, err := h.svc.Tail(ctx, n)
		if err != nil {
			writeError(c, h.logger, "tail", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
		return
	}

	from, err := parseIndex(c.DefaultQuery("from", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 1 || limit > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in [1," + strconv.Itoa(maxPageSize) + "]"})
		return
	}
	blocks, err := h.svc.Blocks(ctx, from, limit)
	if err != nil {
		writeError(c, h.logger, "list blocks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks), "from": from})
}

// GetBlock handles GET /ledger/blocks/:idx.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := parseIndex(c.Param("idx"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}
	b, err := h.svc.Block(c.Request.Context(), idx)
	if err != nil {
		writeError(c, h.logger, "get block", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// History handles GET /ledger/records/:recordId/history.
func (h *LedgerHandler) History(c *gin.Context) {
	recordID := c.Param("recordId")
	blocks, err := h.svc.History(c.Request.Context(), recordID)
	if err != nil {
		writeError(c, h.logger, "history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": recordID, "blocks": blocks, "count": len(blocks)})
}

// Verify handles GET /ledger/verify?from=&to=&timeout=. Without from or to
// it verifies from the checkpoint to the head. A corrupted chain is still a
// 200: the report is the answer.
func (h *LedgerHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()
	if t := c.Query("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 || d > maxVerifyWait {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a positive duration up to " + maxVerifyWait.String()})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var (
		rep *ledger.Report
		err error
	)
	fromStr, toStr := c.Query("from"), c.Query("to")
	if fromStr == "" && toStr == "" {
		rep, err = h.svc.VerifyChain(ctx)
	} else {
		var from, to uint64
		if fromStr != "" {
			if from, err = parseIndex(fromStr); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
				return
			}
		}
		if toStr != "" {
			if to, err = parseIndex(toStr); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
				return
			}
		} else {
			st, serr := h.svc.Stats(ctx)
			if serr != nil {
				writeError(c, h.logger, "verify", serr)
				return
			}
			if st.TotalBlocks == 0 {
				c.JSON(http.StatusNotFound, gin.H{"error": "chain is empty"})
				return
			}
			to = st.TotalBlocks - 1
		}
		if from > to {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must not exceed to"})
			return
		}
		rep, err = h.svc.VerifyRange(ctx, from, to)
	}
	if err != nil {
		writeError(c, h.logger, "verify", err)
		return
	}
	RecordVerification(rep, nil)

	body := gin.H{"report": rep}
	if cerr := rep.Err(); cerr != nil {
		body["error"] = cerr.Error()
	}
	c.JSON(http.StatusOK, body)
}

// GetCheckpoint handles GET /ledger/checkpoint.
func (h *LedgerHandler) GetCheckpoint(c *gin.Context) {
	cp, err := h.svc.Checkpoint(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "get checkpoint", err)
		return
	}
	if cp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint asserted"})
		return
	}
	c.JSON(http.StatusOK, cp)
}

type checkpointRequest struct {
	Index *uint64 `json:"index" binding:"required"`
}

// SetCheckpoint handles POST /ledger/checkpoint (admin token required).
func (h *LedgerHandler) SetCheckpoint(c *gin.Context) {
	var req checkpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	operator := "admin"
	if claims := admin.ClaimsFromCtx(c); claims != nil && claims.Subject != "" {
		operator = claims.Subject
	}
	cp, err := h.svc.SetCheckpoint(c.Request.Context(), *req.Index, operator)
	if err != nil {
		writeError(c, h.logger, "set checkpoint", err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func parseIndex(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
