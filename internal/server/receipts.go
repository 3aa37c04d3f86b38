package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
)

func (s *Server) GetReceipt(c *gin.Context) {
	txID := strings.TrimSpace(c.Param("transaction_id"))
	receipt, err := s.receiptSvc.Get(c.Request.Context(), s.tenantOrDefault(c.Query("tenant_id")), txID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": receipt})
}

// ExportEvidence streams the evidence archive for one transaction.
func (s *Server) ExportEvidence(c *gin.Context) {
	if s.exporter == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	txID := strings.TrimSpace(c.Param("transaction_id"))
	bundle, err := s.exporter.Export(c.Request.Context(), s.tenantOrDefault(c.Query("tenant_id")), txID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundle.FileName))
	c.Header("X-Evidence-ID", bundle.ID)
	c.Data(http.StatusOK, "application/zip", bundle.Data)
}

type chainQuery struct {
	TenantID    string `form:"tenant_id"`
	Environment string `form:"environment"`
}

func (s *Server) GetChain(c *gin.Context) {
	s.chainStatus(c, false)
}

// VerifyChain re-walks every stored receipt of the current profile and
// checks sequence, link and signature.
func (s *Server) VerifyChain(c *gin.Context) {
	s.chainStatus(c, true)
}

func (s *Server) chainStatus(c *gin.Context, verify bool) {
	var query chainQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ctx := c.Request.Context()
	profile, err := s.deviceSvc.Current(ctx, s.tenantOrDefault(query.TenantID), s.environmentOrDefault(query.Environment))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var status receiptdomain.ChainStatus
	if verify {
		status, err = s.receiptSvc.VerifyChain(ctx, profile)
	} else {
		status, err = s.receiptSvc.ChainStatus(ctx, profile)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}
