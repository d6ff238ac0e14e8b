package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"pushi/pkg/monitoring"
)

// Metrics holds the service specific collectors wired through the shared
// monitoring collector.
type Metrics struct {
	Connections     *prometheus.GaugeVec
	MessagesIn      *prometheus.CounterVec
	MessagesOut     *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	AdapterSends    *prometheus.CounterVec
	QueueDrops      *prometheus.CounterVec
}

// New registers the broker metrics on the collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Connections:     mc.NewGauge("websocket_connections_active", "Active WebSocket connections", []string{"app"}),
		MessagesIn:      mc.NewCounter("websocket_messages_in_total", "Inbound WebSocket messages", []string{"app"}),
		MessagesOut:     mc.NewCounter("websocket_messages_out_total", "Outbound WebSocket messages", []string{"app"}),
		EventsPublished: mc.NewCounter("events_published_total", "Events accepted for fan-out", []string{"app", "source"}),
		AdapterSends:    mc.NewCounter("adapter_sends_total", "Adapter delivery attempts", []string{"adapter", "status"}),
		QueueDrops:      mc.NewCounter("send_queue_drops_total", "Messages dropped on slow consumers", []string{"app"}),
	}
}
