package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"go.uber.org/zap"
)

type submitTransactionRequest struct {
	receiptdomain.TransactionRecord
	Operation string `json:"operation"`
}

type submitTransactionResponse struct {
	Item    *queuedomain.Item            `json:"queue_item"`
	Receipt *receiptdomain.SignedReceipt `json:"receipt"`
}

// SubmitTransaction signs a finalized order and queues it for the
// regulator. Submitting the same transaction again returns the first result.
func (s *Server) SubmitTransaction(c *gin.Context) {
	var req submitTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ctx := c.Request.Context()
	tenantID := strings.TrimSpace(req.TenantID)
	c.Set("tenant_id", tenantID)

	if s.limiter.Enabled() && tenantID != "" {
		res, err := s.limiter.AllowTenant(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("transaction.rate_limit_check_failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			seconds := int(res.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	item, err := s.queueSvc.Enqueue(ctx, req.TransactionRecord, strings.TrimSpace(req.Operation))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	receipt, err := s.receiptSvc.GetByID(ctx, item.ReceiptID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": submitTransactionResponse{Item: item, Receipt: receipt}})
}
