package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mjansson/network-lib-sub000/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.Sockets == nil {
		t.Error("Sockets is nil")
	}
	if c.PollerEvents == nil {
		t.Error("PollerEvents is nil")
	}
	if c.BytesRead == nil {
		t.Error("BytesRead is nil")
	}
	if c.BytesWritten == nil {
		t.Error("BytesWritten is nil")
	}
	if c.PollerQueueContention == nil {
		t.Error("PollerQueueContention is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestRegisterUnregisterSocket(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RegisterSocket("tcp")
	if got := gaugeValue(t, c.Sockets, "tcp"); got != 1 {
		t.Errorf("after RegisterSocket: Sockets{tcp} = %v, want 1", got)
	}

	c.RegisterSocket("udp")
	if got := gaugeValue(t, c.Sockets, "udp"); got != 1 {
		t.Errorf("after RegisterSocket: Sockets{udp} = %v, want 1", got)
	}

	c.UnregisterSocket("tcp")
	if got := gaugeValue(t, c.Sockets, "tcp"); got != 0 {
		t.Errorf("after UnregisterSocket: Sockets{tcp} = %v, want 0", got)
	}

	// udp should still be 1.
	if got := gaugeValue(t, c.Sockets, "udp"); got != 1 {
		t.Errorf("Sockets{udp} = %v, want 1 (should be unaffected)", got)
	}
}

func TestRecordPollerEvent(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordPollerEvent("datain")
	c.RecordPollerEvent("datain")
	c.RecordPollerEvent("hangup")

	if got := counterValue(t, c.PollerEvents, "datain"); got != 2 {
		t.Errorf("PollerEvents{datain} = %v, want 2", got)
	}
	if got := counterValue(t, c.PollerEvents, "hangup"); got != 1 {
		t.Errorf("PollerEvents{hangup} = %v, want 1", got)
	}
}

func TestByteCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.AddBytesRead("tcp", 100)
	c.AddBytesRead("tcp", 50)
	c.AddBytesWritten("udp", 973)

	if got := counterValue(t, c.BytesRead, "tcp"); got != 150 {
		t.Errorf("BytesRead{tcp} = %v, want 150", got)
	}
	if got := counterValue(t, c.BytesWritten, "udp"); got != 973 {
		t.Errorf("BytesWritten{udp} = %v, want 973", got)
	}

	// Zero and negative deltas are no-ops.
	c.AddBytesRead("tcp", 0)
	c.AddBytesRead("tcp", -5)
	if got := counterValue(t, c.BytesRead, "tcp"); got != 150 {
		t.Errorf("BytesRead{tcp} after no-op Add = %v, want 150", got)
	}
}

func TestPollerQueueContention(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncPollerQueueContention()
	c.IncPollerQueueContention()

	m := &dto.Metric{}
	if err := c.PollerQueueContention.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("PollerQueueContention = %v, want 2", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
