package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crisis-drill/server/internal/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewOrchestratorCollector(reg)
	if err != nil {
		t.Fatalf("NewOrchestratorCollector: %v", err)
	}

	c.ObserveTick(20 * time.Millisecond)
	c.IncPublished("time")
	c.IncPublished("time")
	c.IncPublished("decision")
	c.IncClaimConflict()
	c.IncGenerationFailure("provider_timeout")
	c.IncEscalationStageFailure("escalation_factors")

	if got := testutil.ToFloat64(c.Ticks); got != 1 {
		t.Fatalf("ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.InjectsPublished.WithLabelValues("time")); got != 2 {
		t.Fatalf("published{time} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.ClaimConflicts); got != 1 {
		t.Fatalf("claim conflicts = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "crisis_injects_published_total") {
		t.Fatalf("metrics output missing published counter")
	}
}

func TestCollectorReRegistrationReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewOrchestratorCollector(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewOrchestratorCollector(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	second.IncClaimConflict()
	if got := testutil.ToFloat64(first.ClaimConflicts); got != 1 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *OrchestratorCollector
	c.ObserveTick(time.Second)
	c.IncPublished("time")
	c.IncSessionFault()
	c.ObserveProviderCall("generate", time.Second)
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
