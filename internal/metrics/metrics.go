// Package metrics exposes Prometheus metric families for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	MessagesMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_merged_total",
			Help: "Messages accepted into the store",
		},
	)

	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_duplicate_messages_total",
			Help: "Re-delivered messages discarded as no-ops",
		},
	)

	ConflictsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_message_conflicts_total",
			Help: "Same-id messages with diverging content, resolved to the most recent",
		},
	)

	// Send metrics
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Message send attempts by outcome",
		},
		[]string{"outcome"}, // "confirmed", "retried", "failed"
	)

	// Transport metrics
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_polls_total",
			Help: "Poll cycles by outcome",
		},
		[]string{"outcome"}, // "ok", "error"
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_poll_duration_seconds",
			Help:    "Poll fetch round-trip latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Connection metrics
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Reconnection attempts after transient failures",
		},
	)

	Degrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_transport_degrades_total",
			Help: "Falls from WebSocket push to polling",
		},
	)
)
