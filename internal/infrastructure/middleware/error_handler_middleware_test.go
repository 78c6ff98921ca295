package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "meshvoice/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newErrorRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/conflict", func(c *gin.Context) {
		c.Error(apperrors.NewAlreadyJoinedError("room-1"))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})
	return router
}

func getJSON(t *testing.T, router *gin.Engine, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestErrorHandlerMiddleware_AppError(t *testing.T) {
	code, body := getJSON(t, newErrorRouter(t), "/conflict")

	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(apperrors.ErrCodeAlreadyJoined), body["error"])
	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "room-1", details["session_id"])
}

func TestErrorHandlerMiddleware_PlainError(t *testing.T) {
	code, body := getJSON(t, newErrorRouter(t), "/plain")

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, string(apperrors.ErrCodeInternal), body["error"])
	assert.NotContains(t, body["message"], "boom")
}

func TestRecoveryMiddleware(t *testing.T) {
	code, body := getJSON(t, newErrorRouter(t), "/panic")

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, string(apperrors.ErrCodeInternal), body["error"])
}
