/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_api_requests_total",
		Help: "Total HTTP requests processed.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bragi_api_request_duration_seconds",
		Help:    "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	// DeviceSocketConnections gauges open room device sockets.
	DeviceSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_device_socket_connections",
		Help: "Open room device WebSocket connections.",
	})

	// ObserverSocketConnections gauges open observer sockets.
	ObserverSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_observer_socket_connections",
		Help: "Open observer WebSocket connections.",
	})

	// EventBusEmits counts bus emissions by kind.
	EventBusEmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_event_bus_emits_total",
		Help: "Events emitted on the in-process bus.",
	}, []string{"kind"})

	// QueuePending gauges pending jobs per endpoint scheduler.
	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bragi_queue_pending_jobs",
		Help: "Pending jobs per endpoint queue.",
	}, []string{"endpoint"})

	// QueueActive gauges active jobs per endpoint scheduler.
	QueueActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bragi_queue_active_jobs",
		Help: "Active jobs per endpoint queue.",
	}, []string{"endpoint"})

	// QueueErrors counts job failures per endpoint scheduler.
	QueueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_queue_errors_total",
		Help: "Job failures per endpoint queue.",
	}, []string{"endpoint"})

	// PipelineSongs counts pipeline outcomes.
	PipelineSongs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_pipeline_songs_total",
		Help: "Songs finished by the generation pipeline, by outcome.",
	}, []string{"outcome"})

	// RoomsActive gauges live rooms.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_rooms_active",
		Help: "Rooms currently held by the room manager.",
	})

	// DBOpenConnections, DBInUseConnections, DBIdleConnections track the SQL pool.
	DBOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_db_open_connections",
		Help: "Open database connections.",
	})
	DBInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_db_in_use_connections",
		Help: "Database connections in use.",
	})
	DBIdleConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_db_idle_connections",
		Help: "Idle database connections.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
