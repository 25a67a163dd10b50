package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
)

func newTestRouter(log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), OtelTracing("test"), RequestLogger(log, "test"))
	r.GET("/items/:id", func(c *gin.Context) {
		switch c.Param("id") {
		case "missing":
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case "broken":
			c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
		default:
			c.JSON(http.StatusOK, gin.H{"request_id": c.GetString("request_id")})
		}
	})
	return r
}

func TestRequestID(t *testing.T) {
	r := newTestRouter(logger.NewNop())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/1", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/items/1", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "caller-id" {
		t.Fatalf("expected caller id to be reused, got %q", got)
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newTestRouter(logger.FromZap(zap.New(core)))

	tests := []struct {
		path  string
		level zapcore.Level
	}{
		{"/items/1", zapcore.DebugLevel},
		{"/items/missing", zapcore.WarnLevel},
		{"/items/broken", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))
		entries := logs.TakeAll()
		if len(entries) != 1 {
			t.Fatalf("%s: expected 1 log entry, got %d", tt.path, len(entries))
		}
		if entries[0].Level != tt.level {
			t.Errorf("%s: expected level %s, got %s", tt.path, tt.level, entries[0].Level)
		}
		if got := entries[0].ContextMap()["path"]; got != "/items/:id" {
			t.Errorf("%s: expected route path, got %v", tt.path, got)
		}
	}
}
