package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordLoad("header", OutcomeReady)
	m.RecordAttempt("header", true, time.Millisecond)
	m.SetCircuitState("header", 1)
	m.RecordEvent("module:loaded")
	m.RecordHandlerFailure("module:loaded", true)
	m.RecordStateWrite("ok")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have nil registry")
	}
}

func TestRecordLoad(t *testing.T) {
	m := New()
	m.RecordLoad("header", OutcomeReady)
	m.RecordLoad("header", OutcomeReady)
	m.RecordLoad("header", OutcomeFallback)

	if got := testutil.ToFloat64(m.loads.WithLabelValues("header", OutcomeReady)); got != 2 {
		t.Errorf("expected 2 ready loads, got %v", got)
	}
	if got := testutil.ToFloat64(m.loads.WithLabelValues("header", OutcomeFallback)); got != 1 {
		t.Errorf("expected 1 fallback load, got %v", got)
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RecordEvent("x")

	if got := testutil.ToFloat64(b.busEvents.WithLabelValues("x")); got != 0 {
		t.Errorf("registries should be independent, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetCircuitState("cart", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `fragmesh_loader_circuit_state{module="cart"} 1`) {
		t.Errorf("expected circuit gauge in output, got:\n%s", body)
	}
}
