package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	if Init() != Init() {
		t.Fatalf("expected Init to return the same instance")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.CycleCompleted("t")
	m.CycleFailed("t", "scan")
	m.EventsScanned("t", 3)
	m.EventDelivered("t")
	m.HandlerFailed("t")
	m.EventDropped("dedupe")
	m.SinkSend("s", false)
	m.ObserveCycle("t", 1, 2, 3)
}

func TestCountersAndGauges(t *testing.T) {
	m := Init()

	m.CycleCompleted("metrics_test")
	m.CycleFailed("metrics_test", "scan")
	m.EventsScanned("metrics_test", 4)
	m.EventDelivered("metrics_test")
	m.ObserveCycle("metrics_test", 3, 12, 101)

	if got := testutil.ToFloat64(m.cycles.WithLabelValues("metrics_test", "ok")); got != 1 {
		t.Fatalf("ok cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("metrics_test", "scan_error")); got != 1 {
		t.Fatalf("scan_error cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.eventsScanned.WithLabelValues("metrics_test")); got != 4 {
		t.Fatalf("scanned = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.resumeBlock.WithLabelValues("metrics_test")); got != 101 {
		t.Fatalf("resume block = %v, want 101", got)
	}
	if got := testutil.ToFloat64(m.blocksBehind.WithLabelValues("metrics_test")); got != 12 {
		t.Fatalf("blocks behind = %v, want 12", got)
	}
}
