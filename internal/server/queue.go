package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
)

type listQueueQuery struct {
	TenantID  string `form:"tenant_id"`
	ProfileID string `form:"profile_id"`
	Status    string `form:"status"`
	Limit     int    `form:"limit"`
}

func (s *Server) ListQueue(c *gin.Context) {
	var query listQueueQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := queuedomain.ListFilter{
		TenantID: strings.TrimSpace(query.TenantID),
		Limit:    query.Limit,
	}
	if status := strings.TrimSpace(query.Status); status != "" {
		switch queuedomain.Status(status) {
		case queuedomain.StatusPending, queuedomain.StatusProcessing, queuedomain.StatusCompleted, queuedomain.StatusFailed:
			filter.Status = queuedomain.Status(status)
		default:
			AbortWithError(c, newValidationError("status", "invalid_status", "unknown queue status"))
			return
		}
	}
	profileID, err := parseOptionalSnowflakeID(query.ProfileID)
	if err != nil {
		AbortWithError(c, newValidationError("profile_id", "invalid_profile_id", "invalid profile id"))
		return
	}
	if profileID != nil {
		filter.ProfileID = *profileID
	}

	items, err := s.queueSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) QueueStats(c *gin.Context) {
	stats, err := s.queueSvc.Stats(c.Request.Context(), strings.TrimSpace(c.Query("tenant_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) GetQueueItem(c *gin.Context) {
	id, ok := pathSnowflakeID(c, "id")
	if !ok {
		return
	}
	item, err := s.queueSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) RequeueItem(c *gin.Context) {
	id, ok := pathSnowflakeID(c, "id")
	if !ok {
		return
	}
	item, err := s.queueSvc.Requeue(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.TriggerReconnect()
	}
	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListBreakers(c *gin.Context) {
	breakers, err := s.queueSvc.Breakers(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": breakers})
}

type resetBreakerRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) ResetBreaker(c *gin.Context) {
	var req resetBreakerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.queueSvc.ResetBreaker(c.Request.Context(), strings.TrimSpace(req.Endpoint)); err != nil {
		AbortWithError(c, err)
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.TriggerReconnect()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func pathSnowflakeID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		AbortWithError(c, newValidationError(name, "invalid_"+name, "invalid "+name))
		return 0, false
	}
	return *id, true
}
