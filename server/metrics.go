package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "renderq",
		Subsystem: "server",
		Name:      "connected_clients",
		Help:      "Live WebSocket connections.",
	})

	broadcastSends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "renderq",
		Subsystem: "server",
		Name:      "broadcast_sends_total",
		Help:      "Per-subscriber message deliveries fanned out by the broadcast worker.",
	})
)
