package observability

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/config"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("/api/v1/tickets", "GET", 200, 10*time.Millisecond)
	m.RecordRequest("/api/v1/tickets", "GET", 200, 30*time.Millisecond)
	m.RecordError("/api/v1/tickets/:id", "GET", "NOT_FOUND")
	m.RecordSweep(3, 1, 1, false, time.Second)
	m.RecordSweep(0, 0, 0, true, time.Second)

	snap := m.Snapshot()
	key := "/api/v1/tickets|GET|200"
	if snap.Requests[key] != 2 || snap.AvgLatencyMS[key] != 20 {
		t.Fatalf("unexpected request stats %+v", snap)
	}
	if snap.Errors["/api/v1/tickets/:id|GET|NOT_FOUND"] != 1 {
		t.Fatalf("unexpected errors %+v", snap.Errors)
	}
	if snap.Sweeps.Runs != 2 || snap.Sweeps.Closed != 3 || snap.Sweeps.Aborted != 1 {
		t.Fatalf("unexpected sweep stats %+v", snap.Sweeps)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordRequest("/", "GET", 200, 0)
	if got := nilMetrics.Snapshot(); got.Requests != nil {
		t.Fatalf("nil metrics should snapshot empty")
	}
}

func TestRequestLoggerCountsByRoute(t *testing.T) {
	m := NewMetrics()
	app := fiber.New()
	app.Use(RequestLogger(zap.NewNop(), m))
	app.Get("/tickets/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	for _, id := range []string{"a", "b"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/tickets/"+id, nil))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		_ = resp.Body.Close()
	}
	if got := m.Snapshot().Requests["/tickets/:id|GET|204"]; got != 2 {
		t.Fatalf("expected 2 requests under route key, got %d", got)
	}
}

func TestSetupTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TelemetryConfig{}, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(config.LoggerConfig{Level: "chatty"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if !logger.Core().Enabled(zap.InfoLevel) || logger.Core().Enabled(zap.DebugLevel) {
		t.Fatalf("expected info level")
	}
	if fields := TraceFields(context.Background()); fields != nil {
		t.Fatalf("expected no trace fields without span")
	}
}
