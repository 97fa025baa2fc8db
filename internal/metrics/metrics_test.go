package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Received("Field", "tcp")
	m.Received("Field", "tcp")
	m.Sent("Spawn", "udp")
	m.Dispatched("Call", Failed)
	m.SetConnectedClients(3)
	m.SetSyncedInstances(7)
	m.SyncPass()

	if got := value(t, m.packetsReceived.WithLabelValues("Field", "tcp")); got != 2 {
		t.Fatalf("packets_received_total = %v", got)
	}
	if got := value(t, m.packetsSent.WithLabelValues("Spawn", "udp")); got != 1 {
		t.Fatalf("packets_sent_total = %v", got)
	}
	if got := value(t, m.dispatched.WithLabelValues("Call", Failed)); got != 1 {
		t.Fatalf("packets_dispatched_total = %v", got)
	}
	if got := value(t, m.connectedClients); got != 3 {
		t.Fatalf("connected_clients = %v", got)
	}
	if got := value(t, m.syncedInstances); got != 7 {
		t.Fatalf("synced_instances = %v", got)
	}
	if got := value(t, m.syncPasses); got != 1 {
		t.Fatalf("sync_passes_total = %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Received("Field", "tcp")
	m.Dispatched("Field", Handled)
	m.SetConnectedClients(1)
	m.SyncPass()
}

func TestSeparateRegistries(t *testing.T) {
	// collectors must not clash across registries
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
