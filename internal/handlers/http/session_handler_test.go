package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/services"
	"meshvoice/internal/infrastructure/middleware"
	apperrors "meshvoice/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockControl struct {
	mock.Mock
}

func (m *mockControl) Join(ctx context.Context, sessionID domain.SessionID, identity domain.Identity, settings domain.AudioSettings) error {
	return m.Called(sessionID, identity, settings).Error(0)
}

func (m *mockControl) Leave(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockControl) Status(ctx context.Context) (services.Status, error) {
	args := m.Called()
	return args.Get(0).(services.Status), args.Error(1)
}

func (m *mockControl) SetMuted(ctx context.Context, muted bool) error {
	return m.Called(muted).Error(0)
}

func (m *mockControl) SetDeafened(ctx context.Context, deafened bool) error {
	return m.Called(deafened).Error(0)
}

func (m *mockControl) StartScreenShare(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockControl) StopShare(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockControl) SetInputVolume(ctx context.Context, volume float64) error {
	return m.Called(volume).Error(0)
}

func (m *mockControl) SetOutputVolume(ctx context.Context, volume float64) error {
	return m.Called(volume).Error(0)
}

func (m *mockControl) SetPeerVolume(ctx context.Context, id domain.ParticipantID, volume float64) error {
	return m.Called(id, volume).Error(0)
}

func (m *mockControl) SetOutputDevice(ctx context.Context, deviceID string) error {
	return m.Called(deviceID).Error(0)
}

func (m *mockControl) UpdateSettings(ctx context.Context, settings domain.AudioSettings) error {
	return m.Called(settings).Error(0)
}

var localIdentity = domain.Identity{ID: "alice", Name: "Alice"}

func setupRouter(t *testing.T, control SessionControl) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	NewSessionHandler(control, localIdentity, domain.DefaultAudioSettings()).SetupRoutes(router)
	return router
}

func do(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSessionHandler_Join(t *testing.T) {
	control := new(mockControl)
	router := setupRouter(t, control)

	control.On("Join", domain.SessionID("room-1"), domain.Identity{ID: "alice", Name: "Al"}, domain.DefaultAudioSettings()).Return(nil)

	w := do(router, http.MethodPost, "/api/v1/session/join", gin.H{"session_id": " room-1 ", "name": "Al"})

	assert.Equal(t, http.StatusCreated, w.Code)
	control.AssertExpectations(t)
}

func TestSessionHandler_JoinWithSettings(t *testing.T) {
	control := new(mockControl)
	router := setupRouter(t, control)

	settings := domain.AudioSettings{InputVolume: 80, OutputVolume: 60, MicThreshold: 20, OutputDevice: "headset"}
	control.On("Join", domain.SessionID("room-1"), localIdentity, settings).Return(nil)

	w := do(router, http.MethodPost, "/api/v1/session/join", gin.H{"session_id": "room-1", "settings": settings})

	assert.Equal(t, http.StatusCreated, w.Code)
	control.AssertExpectations(t)
}

func TestSessionHandler_JoinErrors(t *testing.T) {
	control := new(mockControl)
	router := setupRouter(t, control)

	w := do(router, http.MethodPost, "/api/v1/session/join", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	control.On("Join", domain.SessionID("room-2"), localIdentity, domain.DefaultAudioSettings()).
		Return(apperrors.NewAlreadyJoinedError("room-1").WithCause(domain.ErrAlreadyJoined))

	w = do(router, http.MethodPost, "/api/v1/session/join", gin.H{"session_id": "room-2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(apperrors.ErrCodeAlreadyJoined), body["error"])
}

func TestSessionHandler_Status(t *testing.T) {
	control := new(mockControl)
	router := setupRouter(t, control)

	control.On("Status").Return(services.Status{
		SessionID: "room-1",
		Local:     localIdentity,
		State:     "active",
		Participants: []domain.ParticipantInfo{
			{ID: "bob", Name: "Bob", State: domain.LinkConnected, Volume: 100, JoinedAt: time.Unix(0, 0).UTC()},
		},
	}, nil).Once()

	w := do(router, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status services.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, domain.SessionID("room-1"), status.SessionID)
	require.Len(t, status.Participants, 1)
	assert.Equal(t, domain.ParticipantID("bob"), status.Participants[0].ID)

	control.On("Status").Return(services.Status{}, apperrors.NewNotJoinedError().WithCause(domain.ErrNotJoined))
	w = do(router, http.MethodGet, "/api/v1/session", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionHandler_Toggles(t *testing.T) {
	control := new(mockControl)
	router := setupRouter(t, control)

	control.On("SetMuted", true).Return(nil)
	control.On("SetDeafened", false).Return(nil)
	control.On("StartScreenShare").Return(nil)
	control.On("StopShare").Return(nil)
	control.On("Leave").Return(nil)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/session/mute", gin.H{"enabled": true}).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/session/deafen", gin.H{"enabled": false}).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/session/share", gin.H{"enabled": true}).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/session/share", gin.H{"enabled": false}).Code)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/api/v1/session/leave", nil).Code)

	// enabled is required so that a missing field is not read as false.
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/session/mute", gin.H{}).Code)

	control.AssertExpectations(t)
}

func TestSessionHandler_Volumes(t *testing.T) {
	control := new(mockControl)
	router := setupRouter(t, control)

	control.On("SetInputVolume", 0.0).Return(nil)
	control.On("SetOutputVolume", 75.0).Return(nil)
	control.On("SetPeerVolume", domain.ParticipantID("bob"), 150.0).Return(nil)
	control.On("SetPeerVolume", domain.ParticipantID("carol"), 50.0).Return(apperrors.NewNotFoundError("participant carol"))
	control.On("SetOutputDevice", "headset").Return(nil)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPut, "/api/v1/session/input-volume", gin.H{"volume": 0}).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPut, "/api/v1/session/output-volume", gin.H{"volume": 75}).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPut, "/api/v1/session/participants/bob/volume", gin.H{"volume": 150}).Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodPut, "/api/v1/session/participants/carol/volume", gin.H{"volume": 50}).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPut, "/api/v1/session/output-device", gin.H{"device": "headset"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPut, "/api/v1/session/output-volume", gin.H{}).Code)

	control.AssertExpectations(t)
}

func TestSessionHandler_InvalidSettings(t *testing.T) {
	control := new(mockControl)
	router := setupRouter(t, control)

	settings := domain.AudioSettings{InputVolume: 150, OutputVolume: 100, MicThreshold: 15, OutputDevice: "default"}
	control.On("UpdateSettings", settings).Return(apperrors.NewInvalidInputError("input volume must be between 0 and 100"))

	w := do(router, http.MethodPut, "/api/v1/session/settings", settings)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	control.AssertExpectations(t)
}

func TestCoordinatorControl_NotJoined(t *testing.T) {
	control := NewCoordinatorControl(services.NewCoordinator(services.CoordinatorDeps{}, services.SessionConfig{}, zaptest.NewLogger(t).Sugar()))

	_, err := control.Status(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	assert.ErrorIs(t, control.SetMuted(context.Background(), true), domain.ErrNotJoined)
	assert.NoError(t, control.Leave(context.Background()))
}

func TestAuthHandler_RefreshToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", time.Hour)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	NewAuthHandler(auth).SetupRoutes(router)

	token, err := auth.GenerateToken("room-1", "alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	claims, err := auth.ValidateToken(body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("room-1"), claims.SessionID)
	assert.Equal(t, domain.ParticipantID("alice"), claims.ParticipantID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
