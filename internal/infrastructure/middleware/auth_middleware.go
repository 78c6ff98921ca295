package middleware

import (
	"net/http"
	"strings"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/services"

	"github.com/gin-gonic/gin"
)

const (
	ContextParticipantID = "participant_id"
	ContextSessionID     = "session_id"
)

// AuthMiddleware accepts a bearer token in the Authorization header or, for
// websocket clients that cannot set headers, in the token query parameter.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
				c.Abort()
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(ContextParticipantID, claims.ParticipantID)
		c.Set(ContextSessionID, claims.SessionID)
		c.Next()
	}
}

// Participant returns the identity AuthMiddleware stored on the request.
func Participant(c *gin.Context) (domain.SessionID, domain.ParticipantID, bool) {
	sessionID, ok1 := c.Get(ContextSessionID)
	participantID, ok2 := c.Get(ContextParticipantID)
	if !ok1 || !ok2 {
		return "", "", false
	}
	sid, ok1 := sessionID.(domain.SessionID)
	pid, ok2 := participantID.(domain.ParticipantID)
	return sid, pid, ok1 && ok2
}
