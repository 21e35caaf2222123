package filtervm

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.observeRun(Diagnostic{}, 10*time.Millisecond)
	metrics.observeRun(scriptFailure(CodeScriptException, "boom"), time.Millisecond)
	metrics.observeRun(scriptFailure(CodeTerminatedByHost, "stopped"), time.Millisecond)

	if got := testutil.ToFloat64(metrics.runsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runsTotal.WithLabelValues("script_error")); got != 2 {
		t.Errorf("script_error runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.terminationsTotal); got != 1 {
		t.Errorf("terminations = %v, want 1", got)
	}

	metrics.observeTermination()
	if got := testutil.ToFloat64(metrics.terminationsTotal); got != 2 {
		t.Errorf("terminations = %v, want 2", got)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var metrics *Metrics
	metrics.observeRun(Diagnostic{}, time.Millisecond)
	metrics.observeTermination()
}

func TestMetrics_WiredIntoFilter(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	engine := NewV8Engine(Config{})
	filter := NewFilter(engine, nil, Config{}, WithMetrics(metrics))
	t.Cleanup(func() {
		filter.Terminate()
		engine.Dispose()
	})
	mustInitialize(t, filter, `function main() { return "ok"; }`, "main", nil)

	if _, diag := filter.Run(); !diag.OK() {
		t.Fatalf("Run failed: %s", diag)
	}
	if got := testutil.ToFloat64(metrics.runsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok runs = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(reg, "filtervm_run_duration_seconds"); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}
