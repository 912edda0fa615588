package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medcode_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medcode_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	// Ingestion metrics
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medcode_messages_total",
			Help: "Messages ingested by final outcome and message kind",
		},
		[]string{"outcome", "kind"},
	)

	messageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medcode_message_processing_seconds",
			Help:    "Time to correlate a single message",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medcode_batch_duration_seconds",
			Help:    "Time to ingest a whole batch",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	// Lifecycle metrics
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medcode_encounter_transitions_total",
			Help: "Encounter status transitions",
		},
		[]string{"from", "to"},
	)

	snapshotsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medcode_snapshots_created_total",
			Help: "Encounter snapshots written",
		},
	)

	queueItemsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medcode_queue_items_created_total",
			Help: "Work queue items created by billing component and queue",
		},
		[]string{"component", "queue"},
	)

	staleSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medcode_stale_sweeps_total",
			Help: "Staleness sweep runs by result",
		},
		[]string{"result"},
	)

	staleMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medcode_encounters_marked_stale_total",
			Help: "Encounters flagged stale by the sweeper",
		},
	)

	resultsLinked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medcode_results_reconciled_total",
			Help: "Unlinked observations later linked to an order",
		},
	)

	auditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medcode_audit_entries_total",
			Help: "Operator access audit entries by resource",
		},
		[]string{"resource"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by the matched
// route template, so path parameters do not inflate cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordMessage counts one message by outcome and classifier kind.
func RecordMessage(outcome, kind string, d time.Duration) {
	messagesTotal.WithLabelValues(outcome, kind).Inc()
	if d > 0 {
		messageDuration.Observe(d.Seconds())
	}
}

// RecordBatch observes a batch duration. channel is http, mllp or cli.
func RecordBatch(channel string, d time.Duration) {
	batchDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordTransition counts an encounter status change.
func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSnapshot counts a written snapshot.
func RecordSnapshot() {
	snapshotsCreated.Inc()
}

// RecordQueueItem counts a created work queue item.
func RecordQueueItem(component, queue string) {
	queueItemsCreated.WithLabelValues(component, queue).Inc()
}

// RecordSweep counts a sweep run and the encounters it flagged.
func RecordSweep(err error, marked, linked int) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	staleSweeps.WithLabelValues(result).Inc()
	staleMarked.Add(float64(marked))
	resultsLinked.Add(float64(linked))
}

// RecordAuditEntry counts an operator access entry.
func RecordAuditEntry(resource string) {
	auditEntriesTotal.WithLabelValues(resource).Inc()
}
