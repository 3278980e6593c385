package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/models"
)

const agentContextKey = "auth_agent"

// Middleware resolves the caller from a bearer token or, failing that, the
// anonymous id header. Requests with neither are rejected.
func (s *Service) Middleware(onError func(*gin.Context, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := s.resolve(c)
		if err != nil {
			onError(c, err)
			c.Abort()
			return
		}
		c.Set(agentContextKey, agent)
		c.Next()
	}
}

func (s *Service) resolve(c *gin.Context) (models.Agent, error) {
	if token := extractToken(c); token != "" {
		agent, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			s.log.Debug("token rejected", "error", err)
			return models.Agent{}, apierr.Unauthorized("invalid or expired token")
		}
		return agent, nil
	}
	anonymousID := strings.TrimSpace(c.GetHeader(s.anonymousHeader))
	if anonymousID == "" {
		return models.Agent{}, apierr.Unauthorized("authorization required")
	}
	if len(anonymousID) > maxAnonymousIDLength {
		return models.Agent{}, apierr.Validation(s.anonymousHeader, "anonymous user id is too long")
	}
	return models.Agent{ID: anonymousID, Anonymous: true}, nil
}

// AgentFromContext retrieves the caller stored by the middleware.
func AgentFromContext(c *gin.Context) (models.Agent, bool) {
	val, ok := c.Get(agentContextKey)
	if !ok {
		return models.Agent{}, false
	}
	agent, ok := val.(models.Agent)
	return agent, ok
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
