package metrics

import (
	"testing"

	"cryptometrics/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}
	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
	if RegisterMetricHandler(nil) != 0 {
		t.Fatalf("expected zero id for nil handler")
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	var got []Metric
	id := RegisterMetricHandler(func(m Metric) { got = append(got, m) })

	fields := logger.Fields{"state": "IDLE"}
	EmitMetric(logger.GetLogger(), "pipeline", MetricCycles, 1, "", fields)
	fields["state"] = "mutated"

	if len(got) != 1 {
		t.Fatalf("handler called %d times", len(got))
	}
	m := got[0]
	if m.Component != "pipeline" || m.Type != "counter" || m.Value != 1 {
		t.Fatalf("unexpected metric %+v", m)
	}
	if m.Label("state") != "IDLE" {
		t.Fatalf("fields not copied: %v", m.Fields)
	}

	UnregisterMetricHandler(id)
	EmitMetric(nil, "pipeline", MetricCycles, 1, "", nil)
	if len(got) != 1 {
		t.Fatalf("unregistered handler still called")
	}
}

func TestEmitMetricIgnoresEmptyName(t *testing.T) {
	resetMetricHandlers()
	called := false
	RegisterMetricHandler(func(Metric) { called = true })
	EmitMetric(nil, "pipeline", "", 1, "", nil)
	if called {
		t.Fatalf("metric without a name was dispatched")
	}
}
