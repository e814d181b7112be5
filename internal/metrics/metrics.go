// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package metrics holds the Prometheus instrumentation for the store, the read
// and write paths, the replay engine, the event bus and connectivity tracking.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Local store
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_store_operations_total",
			Help: "Local store operations by collection and operation",
		},
		[]string{"collection", "operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_store_errors_total",
			Help: "Local store operations that returned an error",
		},
		[]string{"collection", "operation"},
	)

	StoreRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offlinesync_store_rebuilds_total",
			Help: "Times the local store was destroyed and recreated on open",
		},
	)

	StoreGCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offlinesync_store_gc_runs_total",
			Help: "Value log garbage collection runs",
		},
	)

	// Read path
	ReadResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_reads_total",
			Help: "Reads by outcome: fresh, cache_offline, cache_timeout, cache_error",
		},
		[]string{"table", "outcome"},
	)

	ReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offlinesync_read_duration_seconds",
			Help:    "End to end read latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	CacheCleanupRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offlinesync_cache_cleanup_removed_total",
			Help: "Cached query results evicted for age",
		},
	)

	CacheWarm = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_cache_warm_total",
			Help: "Table snapshot warm-ups by outcome (warmed, failed)",
		},
		[]string{"table", "outcome"},
	)

	// Write path and queue
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_writes_total",
			Help: "Writes by operation and path (direct or queued)",
		},
		[]string{"table", "op", "path"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offlinesync_queue_depth",
			Help: "Mutation records waiting for replay",
		},
	)

	AttachmentsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offlinesync_attachments_queued_total",
			Help: "Binary attachments extracted from queued mutations",
		},
	)

	// Replay
	ReplayedMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_replayed_mutations_total",
			Help: "Replayed mutation records by operation and result",
		},
		[]string{"op", "result"},
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offlinesync_sync_pass_duration_seconds",
			Help:    "Duration of a full replay pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	AttachmentUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_attachment_uploads_total",
			Help: "Attachment uploads during replay by result",
		},
		[]string{"result"},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offlinesync_dead_letters_total",
			Help: "Mutation records moved to the dead letter collection",
		},
	)

	// Event bus
	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_bus_events_total",
			Help: "Sync events by type and direction (published, received)",
		},
		[]string{"type", "direction"},
	)

	// Connectivity
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offlinesync_online",
			Help: "1 when the remote backend is believed reachable",
		},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_connectivity_transitions_total",
			Help: "Online/offline transitions",
		},
		[]string{"to"},
	)

	// Remote backend
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinesync_remote_requests_total",
			Help: "Remote backend requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offlinesync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// HTTP API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offlinesync_api_request_duration_seconds",
			Help:    "Local API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offlinesync_websocket_connections",
			Help: "Connected websocket clients",
		},
	)
)

// RecordStoreOp counts a store operation and its failure, if any.
func RecordStoreOp(collection, operation string, err error) {
	StoreOperations.WithLabelValues(collection, operation).Inc()
	if err != nil {
		StoreErrors.WithLabelValues(collection, operation).Inc()
	}
}

// RecordRead records the outcome and latency of a read.
func RecordRead(table, outcome string, duration time.Duration) {
	ReadResults.WithLabelValues(table, outcome).Inc()
	ReadDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordWrite counts a write taking the direct or queued path.
func RecordWrite(table, op string, queued bool) {
	path := "direct"
	if queued {
		path = "queued"
	}
	WritesTotal.WithLabelValues(table, op, path).Inc()
}

// RecordReplay counts one replayed mutation record.
func RecordReplay(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ReplayedMutations.WithLabelValues(op, result).Inc()
}

// RecordAttachmentUpload counts an attachment upload.
func RecordAttachmentUpload(err error) {
	if err != nil {
		AttachmentUploads.WithLabelValues("failure").Inc()
		return
	}
	AttachmentUploads.WithLabelValues("success").Inc()
}

// RecordBusEvent counts a bus event in the given direction.
func RecordBusEvent(eventType, direction string) {
	BusEvents.WithLabelValues(eventType, direction).Inc()
}

// SetOnline updates the online gauge and counts the transition.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		ConnectivityTransitions.WithLabelValues("online").Inc()
		return
	}
	Online.Set(0)
	ConnectivityTransitions.WithLabelValues("offline").Inc()
}

// RecordRemoteRequest counts a remote backend request.
func RecordRemoteRequest(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RemoteRequests.WithLabelValues(operation, status).Inc()
}
