package http

import (
	"net/http"

	"meshvoice/internal/core/services"
	"meshvoice/internal/infrastructure/middleware"
	"meshvoice/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthHandler lets a participant holding a valid relay token trade it for a
// fresh one bound to the same session and participant.
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth", middleware.AuthMiddleware(h.authService))
	{
		api.POST("/refresh", h.RefreshToken)
	}
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	sessionID, participantID, ok := middleware.Participant(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("missing participant"))
		return
	}

	token, err := h.authService.GenerateToken(sessionID, participantID)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":   token,
		"session_id":     sessionID,
		"participant_id": participantID,
	})
}
