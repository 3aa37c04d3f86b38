package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/srmgate/internal/audit/masking"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
)

const (
	HeaderAPIKey = "X-API-Key"

	contextActorKey = "actor"
	contextRoleKey  = "role"

	actorTypeAPIKey = "api_key"
)

// APIKeyRequired resolves the operator key to its configured role. The key
// itself never leaves this function; the actor is a digest of it.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := presentedKey(c)
		if key == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		role, ok := s.lookupKey(key)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actorID := masking.Digest(key)
		c.Set(contextActorKey, actorTypeAPIKey+":"+actorID)
		c.Set(contextRoleKey, role)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), actorTypeAPIKey, actorID))
		c.Next()
	}
}

func presentedKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); key != "" {
		return key
	}
	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// lookupKey compares against every configured key so the time taken does
// not reveal which prefix matched.
func (s *Server) lookupKey(presented string) (string, bool) {
	var (
		role  string
		found bool
	)
	for key, keyRole := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			role = keyRole
			found = true
		}
	}
	return role, found
}
