// Package metrics holds the prometheus collectors of a japenet process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "japenet"

// Dispatch results.
const (
	Handled = "handled"
	Dropped = "dropped"
	Failed  = "failed"
)

// Metrics is the set of collectors. A nil *Metrics records nothing.
type Metrics struct {
	packetsReceived  *prometheus.CounterVec
	packetsSent      *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	connectedClients prometheus.Gauge
	syncedInstances  prometheus.Gauge
	syncPasses       prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received by type and channel",
		}, []string{"type", "channel"}),

		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent by type and channel",
		}, []string{"type", "channel"}),

		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dispatched_total",
			Help:      "Dispatched packets by type and result",
		}, []string{"type", "result"}),

		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Clients that completed the handshake",
		}),

		syncedInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synced_instances",
			Help:      "Records in the synced instance registry",
		}),

		syncPasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes replayed to clients",
		}),
	}
}

func (m *Metrics) Received(typ, channel string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(typ, channel).Inc()
}

func (m *Metrics) Sent(typ, channel string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(typ, channel).Inc()
}

// Dispatched counts one dispatch of typ with result Handled, Dropped or
// Failed.
func (m *Metrics) Dispatched(typ, result string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}

func (m *Metrics) SetSyncedInstances(n int) {
	if m == nil {
		return
	}
	m.syncedInstances.Set(float64(n))
}

func (m *Metrics) SyncPass() {
	if m == nil {
		return
	}
	m.syncPasses.Inc()
}
