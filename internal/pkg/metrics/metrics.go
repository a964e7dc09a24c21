// Package metrics defines and registers all custom Prometheus metrics for the
// trip tracking service. It is the single source of truth for metric names,
// labels, and help strings.
//
// Metrics are registered with the default Prometheus registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tracking"

// ── Outbound channel ──────────────────────────────────────────────────────────

// UpdatesPublishedTotal counts updates acknowledged by the backend.
// Label:
//   - status: the tracking status carried by the update (e.g. "nearby")
var UpdatesPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_published_total",
		Help:      "Total number of tracking updates acknowledged by the backend.",
	},
	[]string{"status"},
)

// PublishFailuresTotal counts failed send attempts; the write stays queued.
var PublishFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_failures_total",
		Help:      "Total number of failed publish attempts (the write is retried).",
	},
)

// OutboxDepth tracks queued writes across all sessions.
var OutboxDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_depth",
		Help:      "Current number of tracking updates waiting to be acknowledged.",
	},
)

// OutboxDiscardedTotal counts writes dropped deliberately at session teardown.
var OutboxDiscardedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_discarded_total",
		Help:      "Total number of undelivered writes discarded when a session ended.",
	},
)

// PublishDuration measures a single send to the backend.
var PublishDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Duration of a single publish attempt to the backend.",
		Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
	},
)

// ── Inbound channel ───────────────────────────────────────────────────────────

// InboundUpdatesTotal counts updates received from the backend.
// Label:
//   - result: "delivered", "duplicate" or "foreign" (other trip)
var InboundUpdatesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_updates_total",
		Help:      "Total number of updates received from the backend, by result.",
	},
	[]string{"result"},
)

// SubscriberDropsTotal counts stale updates dropped for slow local subscribers.
var SubscriberDropsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_drops_total",
		Help:      "Total number of updates dropped because a local subscriber lagged.",
	},
)

// ── Geofencing ────────────────────────────────────────────────────────────────

// TransitionsTotal counts accepted status transitions.
// Labels:
//   - from, to: tracking statuses
var TransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Total number of accepted tracking status transitions.",
	},
	[]string{"from", "to"},
)

// RejectedFixesTotal counts fixes discarded at the geofence boundary.
var RejectedFixesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_fixes_total",
		Help:      "Total number of invalid fixes discarded by the geofence engine.",
	},
)

// ── Sessions & notifications ──────────────────────────────────────────────────

// ActiveSessions tracks live tracking sessions.
// Label:
//   - role: "driver" or "customer"
var ActiveSessions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Current number of live tracking sessions, by role.",
	},
	[]string{"role"},
)

// NotificationsTotal counts notification dispatch outcomes.
// Label:
//   - result: "sent", "failed" or "dropped"
var NotificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Total number of status notifications, by dispatch result.",
	},
	[]string{"result"},
)

// NotificationQueueDepth tracks pending notifications per dispatcher worker.
// Label:
//   - worker_id: numeric worker index (e.g. "0", "1", …)
var NotificationQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_queue_depth",
		Help:      "Current number of notifications pending in each dispatcher worker channel.",
	},
	[]string{"worker_id"},
)
