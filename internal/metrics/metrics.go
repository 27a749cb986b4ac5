// Package metrics holds the prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sinkron_connected_clients",
		Help: "Currently connected sync clients.",
	})

	ActiveCollections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sinkron_active_collections",
		Help: "Collection actors currently alive.",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sinkron_messages_received_total",
		Help: "Inbound websocket messages by kind.",
	}, []string{"kind"})

	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sinkron_mutations_total",
		Help: "Document mutations by operation and result.",
	}, []string{"op", "result"})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sinkron_broadcasts_total",
		Help: "Change envelopes broadcast to subscribers.",
	})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sinkron_sync_duration_seconds",
		Help:    "Initial sync latency.",
		Buckets: prometheus.DefBuckets,
	})

	ChannelSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sinkron_channel_subscribers",
		Help: "Subscribers across all presence channels.",
	})
)
