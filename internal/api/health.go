package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// HealthHandler serves liveness, readiness and integrity probes.
type HealthHandler struct {
	svc LedgerService
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc LedgerService) *HealthHandler {
	return &HealthHandler{svc: svc}
}

// Register mounts the probes at the router root.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Live)
	r.GET("/readyz", h.Ready)
	r.GET("/health/integrity", h.Integrity)
}

// Live handles GET /healthz.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /readyz: 200 only once the chain has loaded.
func (h *HealthHandler) Ready(c *gin.Context) {
	st := h.svc.State()
	if st != ledger.StateReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": st.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st.String()})
}

// Integrity handles GET /health/integrity: 503 while a corruption alarm
// stands or when the chain could not be loaded at all.
func (h *HealthHandler) Integrity(c *gin.Context) {
	if st := h.svc.State(); st == ledger.StateFailed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": st.String()})
		return
	}
	a, last := h.svc.Alarm()
	SetAlarm(a != nil)
	if a != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":            "corrupted",
			"alarm":             a,
			"last_verification": last,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            integrity(nil, last),
		"last_verification": last,
	})
}
