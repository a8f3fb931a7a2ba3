package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.DatagramsForwarded == nil {
		t.Error("DatagramsForwarded metric is nil")
	}
	if m.PoolSize == nil {
		t.Error("PoolSize metric is nil")
	}
	if m.DatagramsDropped == nil {
		t.Error("DatagramsDropped metric is nil")
	}
}

func TestRecordConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect("outbound")
	m.RecordConnect("outbound")
	m.RecordConnect("inbound")

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 3 {
		t.Errorf("ConnectionsActive = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("outbound")); got != 2 {
		t.Errorf("ConnectionsTotal{outbound} = %v, want 2", got)
	}

	m.RecordDisconnect()
	if got := testutil.ToFloat64(m.ConnectionsActive); got != 2 {
		t.Errorf("ConnectionsActive = %v after disconnect, want 2", got)
	}
}

func TestDroppedReasons(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.DatagramsDropped.WithLabelValues("write_failed").Inc()
	m.DatagramsDropped.WithLabelValues("no_peer").Add(2)

	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues("write_failed")); got != 1 {
		t.Errorf("DatagramsDropped{write_failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues("no_peer")); got != 2 {
		t.Errorf("DatagramsDropped{no_peer} = %v, want 2", got)
	}
}

func TestDefaultSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
