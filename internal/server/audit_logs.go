package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	"github.com/smallbiznis/srmgate/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	PageToken     string `form:"page_token"`
	PageSize      int    `form:"page_size"`
	TenantID      string `form:"tenant_id"`
	Operation     string `form:"operation"`
	TransactionID string `form:"transaction_id"`
	StartAt       string `form:"start_at"`
	EndAt         string `form:"end_at"`
	From          string `form:"from"`
	To            string `form:"to"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAtValue := strings.TrimSpace(query.StartAt)
	if startAtValue == "" {
		startAtValue = strings.TrimSpace(query.From)
	}
	startAt, err := parseOptionalTime(startAtValue, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}

	endAtValue := strings.TrimSpace(query.EndAt)
	if endAtValue == "" {
		endAtValue = strings.TrimSpace(query.To)
	}
	endAt, err := parseOptionalTime(endAtValue, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		TenantID:      s.tenantOrDefault(query.TenantID),
		Operation:     strings.TrimSpace(query.Operation),
		TransactionID: strings.TrimSpace(query.TransactionID),
		StartAt:       startAt,
		EndAt:         endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Entries, "page_info": resp.PageInfo})
}
