package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type signalConnectivityRequest struct {
	TenantID string `json:"tenant_id"`
	Online   *bool  `json:"online"`
	Reason   string `json:"reason"`
}

// SignalConnectivity records the POS view of its link to the regulator.
// Coming back online wakes the dispatcher so the backlog drains at once.
func (s *Server) SignalConnectivity(c *gin.Context) {
	var req signalConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Online == nil {
		AbortWithError(c, newValidationError("online", "required", "online is required"))
		return
	}

	session, err := s.connectivitySvc.Signal(c.Request.Context(), strings.TrimSpace(req.TenantID), *req.Online, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if *req.Online && s.dispatcher != nil {
		s.dispatcher.TriggerReconnect()
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

type listOfflineSessionsQuery struct {
	TenantID string `form:"tenant_id"`
	From     string `form:"from"`
	To       string `form:"to"`
}

func (s *Server) ListOfflineSessions(c *gin.Context) {
	var query listOfflineSessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	var fromAt, toAt time.Time
	if from != nil {
		fromAt = *from
	}
	if to != nil {
		toAt = *to
	}
	sessions, err := s.connectivitySvc.List(c.Request.Context(), strings.TrimSpace(query.TenantID), fromAt, toAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions})
}
