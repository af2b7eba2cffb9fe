package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"fleetconsole/internal/config"
)

func TestNewLogger(t *testing.T) {
	l := NewLogger(config.LogConfig{Level: "debug", Format: "json"})
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", l.Formatter)
	}
	if l := NewLogger(config.LogConfig{Level: "loud"}); l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %s", l.GetLevel())
	}
}

func TestGinMetricsLabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMetrics())
	r.GET("/v1/devices/:id/status", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "/v1/devices/:id/status", "204"))
	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/devices/"+id+"/status", nil))
	}
	after := testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "/v1/devices/:id/status", "204"))
	if after-before != 2 {
		t.Fatalf("expected two requests under the route template, got %v", after-before)
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "unmatched", "404")) < 1 {
		t.Fatalf("unmatched requests should be counted")
	}
}

func TestTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Exporter: "none"}, "test")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
