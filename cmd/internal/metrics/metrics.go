// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisale_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unisale_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unisale_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	WSFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unisale_ws_frames_dropped_total",
			Help: "Outbound frames dropped because the client queue was full",
		},
	)

	// Chat metrics
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unisale_rooms_created_total",
			Help: "Total rooms created",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisale_messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"role"}, // "buyer" or "seller"
	)

	SendsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisale_sends_rejected_total",
			Help: "Send attempts rejected before persistence",
		},
		[]string{"reason"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unisale_message_streams_active",
			Help: "Live message stream subscriptions",
		},
	)

	ActiveConversationLists = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unisale_conversation_lists_active",
			Help: "Live conversation list subscriptions",
		},
	)

	ProductLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisale_product_lookups_total",
			Help: "Product resolutions by outcome",
		},
		[]string{"result"}, // "hit", "fetched", "failed", "backoff"
	)

	// Infrastructure metrics
	CatalogLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unisale_catalog_latency_seconds",
			Help:    "Marketplace API call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)
