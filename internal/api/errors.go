package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// classify maps a ledger error to an HTTP status and a metrics class.
func classify(err error) (int, string) {
	var (
		ve *ledger.ValidationError
		ee *ledger.EncodingError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &ee):
		return http.StatusBadRequest, "encoding"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrNotReady):
		return http.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, ledger.ErrOutOfOrder):
		return http.StatusConflict, "out_of_order"
	case errors.Is(err, ledger.ErrChainCorrupted):
		return http.StatusConflict, "corrupted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, ledger.ErrStorageIO):
		return http.StatusInternalServerError, "storage"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError responds with {"error": ...}. Server-side failures are logged
// and their detail withheld from the client.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status, class := classify(err)
	RecordRejection(class)

	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		logger.Error(op+" failed", zap.String("class", class), zap.Error(err))
		if class == "storage" {
			msg = "storage failure"
		} else {
			msg = "internal server error"
		}
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}
	c.JSON(status, gin.H{"error": msg})
}
