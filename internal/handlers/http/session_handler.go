package http

import (
	"net/http"
	"strings"

	"meshvoice/internal/core/domain"
	"meshvoice/pkg/errors"

	"github.com/gin-gonic/gin"
)

// SessionHandler is the local control API of the daemon. It acts for the
// configured identity only.
type SessionHandler struct {
	control  SessionControl
	identity domain.Identity
	defaults domain.AudioSettings
}

func NewSessionHandler(control SessionControl, identity domain.Identity, defaults domain.AudioSettings) *SessionHandler {
	return &SessionHandler{
		control:  control,
		identity: identity,
		defaults: defaults,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/session")
	{
		api.GET("", h.GetStatus)
		api.POST("/join", h.Join)
		api.POST("/leave", h.Leave)
		api.POST("/mute", h.SetMuted)
		api.POST("/deafen", h.SetDeafened)
		api.POST("/share", h.SetSharing)

		api.PUT("/settings", h.UpdateSettings)
		api.PUT("/input-volume", h.SetInputVolume)
		api.PUT("/output-volume", h.SetOutputVolume)
		api.PUT("/output-device", h.SetOutputDevice)
		api.PUT("/participants/:id/volume", h.SetPeerVolume)
	}
}

type JoinRequest struct {
	SessionID string                `json:"session_id" binding:"required,max=128"`
	Name      string                `json:"name" binding:"max=64"`
	Settings  *domain.AudioSettings `json:"settings"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type volumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

type deviceRequest struct {
	Device string `json:"device" binding:"required,max=256"`
}

func invalidBody(c *gin.Context) {
	c.Error(errors.NewInvalidInputError("invalid request format"))
}

func (h *SessionHandler) GetStatus(c *gin.Context) {
	status, err := h.control.Status(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *SessionHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	identity := h.identity
	if name := strings.TrimSpace(req.Name); name != "" {
		identity.Name = name
	}
	settings := h.defaults
	if req.Settings != nil {
		settings = *req.Settings
	}

	sessionID := domain.SessionID(strings.TrimSpace(req.SessionID))
	if err := h.control.Join(c.Request.Context(), sessionID, identity, settings); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sessionID,
		"local":      identity,
	})
}

func (h *SessionHandler) Leave(c *gin.Context) {
	if err := h.control.Leave(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) SetMuted(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if err := h.control.SetMuted(c.Request.Context(), *req.Enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": *req.Enabled})
}

func (h *SessionHandler) SetDeafened(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if err := h.control.SetDeafened(c.Request.Context(), *req.Enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deafened": *req.Enabled})
}

func (h *SessionHandler) SetSharing(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	var err error
	if *req.Enabled {
		err = h.control.StartScreenShare(c.Request.Context())
	} else {
		err = h.control.StopShare(c.Request.Context())
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sharing": *req.Enabled})
}

func (h *SessionHandler) UpdateSettings(c *gin.Context) {
	var req domain.AudioSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if err := h.control.UpdateSettings(c.Request.Context(), req); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *SessionHandler) SetInputVolume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if err := h.control.SetInputVolume(c.Request.Context(), *req.Volume); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volume": *req.Volume})
}

func (h *SessionHandler) SetOutputVolume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if err := h.control.SetOutputVolume(c.Request.Context(), *req.Volume); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volume": *req.Volume})
}

func (h *SessionHandler) SetOutputDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if err := h.control.SetOutputDevice(c.Request.Context(), req.Device); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": req.Device})
}

func (h *SessionHandler) SetPeerVolume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	id := domain.ParticipantID(c.Param("id"))
	if err := h.control.SetPeerVolume(c.Request.Context(), id, *req.Volume); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "volume": *req.Volume})
}
