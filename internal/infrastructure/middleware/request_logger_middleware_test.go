package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshvoice/internal/core/services"
	"meshvoice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggerMiddleware(t *testing.T) {
	installRecorder(t)
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	auth := services.NewAuthService("secret", time.Hour)

	router := gin.New()
	router.Use(TracingMiddleware(), RequestLoggerMiddleware(logger.NewContextLogger(zap.New(core))))
	router.POST("/api/v1/auth/refresh", AuthMiddleware(auth), func(c *gin.Context) { c.Status(http.StatusOK) })

	token, err := auth.GenerateToken("room-1", "alice")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(httptest.NewRecorder(), req)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 2)

	ok := entries[0].ContextMap()
	assert.Equal(t, "/api/v1/auth/refresh", ok["path"])
	assert.Equal(t, "room-1", ok["session_id"])
	assert.Equal(t, "alice", ok["participant_id"])
	assert.NotEmpty(t, ok["trace_id"])
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)

	missing := entries[1].ContextMap()
	assert.Equal(t, "/nowhere", missing["path"])
	assert.Equal(t, int64(http.StatusNotFound), missing["status_code"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.NotContains(t, missing, "participant_id")
}
