package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	clientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "labdash_ws_clients",
		Help: "Connected WebSocket clients.",
	})
	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdash_ws_dropped_messages_total",
		Help: "Messages dropped because a client's buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(clientsGauge, droppedTotal)
}
