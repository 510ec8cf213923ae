package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestReadinessFollowsManager(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := NewManager(false)
	router := gin.New()
	router.GET("/healthz", LivenessHandler)
	router.GET("/readyz", ReadinessHandler(m))

	get := func(path string) int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	if code := get("/healthz"); code != http.StatusOK {
		t.Fatalf("liveness: status %d", code)
	}
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readiness before startup: status %d", code)
	}

	m.SetReady(true)
	if code := get("/readyz"); code != http.StatusOK {
		t.Fatalf("readiness after startup: status %d", code)
	}

	// Shutdown drains: readiness drops, liveness stays up.
	m.SetReady(false)
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readiness during shutdown: status %d", code)
	}
	if code := get("/healthz"); code != http.StatusOK {
		t.Fatalf("liveness during shutdown: status %d", code)
	}
}
