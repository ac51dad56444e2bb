package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Unlabelled metrics are exported even before the first observation
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{"dispatchry_batches_claimed_total", "dispatchry_lanes_busy", "dispatchry_uptime_seconds"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}

	SetGlobal(nil)
}

func TestIncDeliveries(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncDeliveries("sandbox", OutcomeSent)
	IncDeliveries("sandbox", OutcomeSent)
	IncDeliveries("sandbox", OutcomeFailed)

	sent, err := m.DeliveriesTotal.GetMetricWithLabelValues("sandbox", OutcomeSent)
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if got := counterValue(t, sent); got != 2 {
		t.Errorf("Expected counter value 2, got %f", got)
	}
}

func TestBatchLifecycleCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncBatchesClaimed()
	IncBatchesFinished("completed")
	IncBatchesFinished("failed")
	IncBatchesFinished("failed")
	IncBatchesRescheduled()
	AddBatchesRecovered(3)

	if got := counterValue(t, m.BatchesClaimedTotal); got != 1 {
		t.Errorf("claimed = %f, want 1", got)
	}
	failed, _ := m.BatchesFinishedTotal.GetMetricWithLabelValues("failed")
	if got := counterValue(t, failed); got != 2 {
		t.Errorf("finished{failed} = %f, want 2", got)
	}
	if got := counterValue(t, m.BatchesRescheduledTotal); got != 1 {
		t.Errorf("rescheduled = %f, want 1", got)
	}
	if got := counterValue(t, m.BatchesRecoveredTotal); got != 3 {
		t.Errorf("recovered = %f, want 3", got)
	}
}

func TestSetLanesBusy(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	SetLanesBusy(2)

	var metric dto.Metric
	m.LanesBusy.Write(&metric)
	if metric.Gauge.GetValue() != 2 {
		t.Errorf("LanesBusy = %f, want 2", metric.Gauge.GetValue())
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// None of these may panic without a global instance
	IncDeliveries("sandbox", OutcomeSent)
	ObserveDeliveryDuration("sandbox", 0.1)
	IncBatchesClaimed()
	IncBatchesFinished("completed")
	IncBatchesRescheduled()
	AddBatchesRecovered(1)
	SetLanesBusy(1)
	IncAPIErrors("server_error")
}
