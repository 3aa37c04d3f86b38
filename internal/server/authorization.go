package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) authorize(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString(contextActorKey)
		role := c.GetString(contextRoleKey)
		if actor == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, role, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
