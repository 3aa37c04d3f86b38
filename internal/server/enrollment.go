package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	enrollmentdomain "github.com/smallbiznis/srmgate/internal/enrollment/domain"
)

type enrollmentQuery struct {
	TenantID    string `form:"tenant_id"`
	Environment string `form:"environment"`
}

func (s *Server) environmentOrDefault(env string) string {
	env = strings.ToUpper(strings.TrimSpace(env))
	if env == "" {
		return s.cfg.SRM.DefaultEnvironment
	}
	return env
}

func (s *Server) tenantOrDefault(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return s.cfg.SRM.DefaultTenantID
	}
	return tenantID
}

func (s *Server) EnrollmentStatus(c *gin.Context) {
	var query enrollmentQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	summary, err := s.enrollmentSvc.Status(c.Request.Context(), s.tenantOrDefault(query.TenantID), s.environmentOrDefault(query.Environment))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) EnrollmentHistory(c *gin.Context) {
	var query enrollmentQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	history, err := s.enrollmentSvc.History(c.Request.Context(), s.tenantOrDefault(query.TenantID), s.environmentOrDefault(query.Environment))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history})
}

// Enroll runs the certificate request against the regulator. The call is
// synchronous; the response carries the resulting profile summary.
func (s *Server) Enroll(c *gin.Context) {
	var req enrollmentdomain.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = s.tenantOrDefault(req.TenantID)
	req.Environment = s.environmentOrDefault(req.Environment)

	summary, err := s.enrollmentSvc.Enroll(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) Annul(c *gin.Context) {
	var req enrollmentdomain.AnnulRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = s.tenantOrDefault(req.TenantID)
	req.Environment = s.environmentOrDefault(req.Environment)

	summary, err := s.enrollmentSvc.Annul(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}
