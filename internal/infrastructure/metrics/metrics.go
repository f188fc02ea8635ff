// Package metrics provides Prometheus metrics for the roomsync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeadershipStatus is 1 while this instance holds the cluster lease.
	LeadershipStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_leader_status",
			Help: "Whether this instance currently holds the leader lease (1) or not (0)",
		},
	)

	// RoomsCreated tracks rooms created locally (not via replication).
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_rooms_created_total",
			Help: "Total number of rooms created by this instance",
		},
	)

	// RoomsRemoved tracks rooms destroyed locally.
	RoomsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_rooms_removed_total",
			Help: "Total number of rooms removed by this instance",
		},
	)

	// RoomJoins tracks successful room joins.
	RoomJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_room_joins_total",
			Help: "Total number of successful room joins",
		},
	)

	// RoomJoinRejections tracks joins refused by capacity or policy.
	RoomJoinRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_room_join_rejections_total",
			Help: "Total number of room joins rejected",
		},
	)

	// RoomLeaves tracks room departures.
	RoomLeaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_room_leaves_total",
			Help: "Total number of room leaves",
		},
	)

	// ReplicationEvents tracks bus lifecycle events by type and direction.
	ReplicationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_replication_events_total",
			Help: "Total number of replication events published and consumed",
		},
		[]string{"type", "direction"},
	)

	// BroadcastRecipients observes fanout size per room broadcast.
	BroadcastRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomsync_broadcast_recipients",
			Help:    "Number of local recipients per relayed broadcast",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// TaskRuns tracks completed scheduled task invocations.
	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_task_runs_total",
			Help: "Total number of completed scheduled task runs",
		},
		[]string{"task_id"},
	)

	// TaskSkips tracks leader-gated invocations skipped on followers.
	TaskSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_task_skips_total",
			Help: "Total number of task invocations skipped by the leader gate",
		},
		[]string{"task_id"},
	)

	// TaskErrors tracks failed task invocations.
	TaskErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_task_errors_total",
			Help: "Total number of scheduled task runs that returned an error",
		},
		[]string{"task_id"},
	)

	// HTTPRequestDuration observes request latency by route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordLeadership reflects the local leadership view in the gauge.
func RecordLeadership(isLeader bool) {
	if isLeader {
		LeadershipStatus.Set(1)
		return
	}
	LeadershipStatus.Set(0)
}

// RecordTaskRun increments the completed-run counter for a task.
func RecordTaskRun(taskID string) {
	TaskRuns.WithLabelValues(taskID).Inc()
}

// RecordTaskSkipped increments the leader-gate skip counter for a task.
func RecordTaskSkipped(taskID string) {
	TaskSkips.WithLabelValues(taskID).Inc()
}

// RecordTaskError increments the failure counter for a task.
func RecordTaskError(taskID string) {
	TaskErrors.WithLabelValues(taskID).Inc()
}

// RecordReplication counts a replication event published or consumed.
func RecordReplication(eventType, direction string) {
	ReplicationEvents.WithLabelValues(eventType, direction).Inc()
}
