package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newLimitedRouter(rps float64, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(rps, burst))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func do(router *gin.Engine, remoteAddr string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w.Code
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	router := newLimitedRouter(0, 0)

	for i := 0; i < 3; i++ {
		if code := do(router, "10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, code)
		}
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	router := newLimitedRouter(1, 1)

	if code := do(router, "10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", code)
	}
	if code := do(router, "10.0.0.1:1234"); code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", code)
	}
	if code := do(router, "10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("expected another client to pass, got %d", code)
	}
}

func TestKeyedLimiter_Forget(t *testing.T) {
	store := NewKeyedLimiter(1, 1)
	if !store.Get("alice").Allow() {
		t.Fatal("first token should be available")
	}
	if store.Get("alice").Allow() {
		t.Fatal("bucket should be empty")
	}
	store.Forget("alice")
	if !store.Get("alice").Allow() {
		t.Fatal("forgotten key should start with a full bucket")
	}
}
