// Package metrics holds the prometheus collectors of the chat server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "minichat"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Number of open websocket connections.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Number of distinct online display names.",
	})

	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Accepted messages by kind.",
	}, []string{"kind"})

	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_total",
		Help:      "Rejected or discarded inbound events by reason.",
	}, []string{"reason"})

	Evicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evicted_total",
		Help:      "Connections closed because their send buffer was full.",
	})

	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_errors_total",
		Help:      "Failed message log reads and writes.",
	})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Stored uploads by kind.",
	}, []string{"kind"})

	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_dropped_total",
		Help:      "Messages not mirrored to kafka.",
	})
)
