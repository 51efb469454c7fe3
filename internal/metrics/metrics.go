// Package metrics holds the Prometheus collectors for the scheduler, its
// stores and the admin API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "schedmq"

// Enqueue sources.
const (
	SourcePush    = "push"
	SourceDelayed = "delayed"
	SourceCron    = "cron"
	SourceReaper  = "reaper"
)

var (
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Build and store information.",
	}, []string{"version", "store"})

	ExecutionsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_enqueued_total",
		Help:      "Executions handed to the store, by task and source.",
	}, []string{"task", "source"})

	ExecutionsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_delivered_total",
		Help:      "Executions dequeued and handed to a handler.",
	}, []string{"task"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_failures_total",
		Help:      "Handler invocations that returned false, an error or panicked.",
	}, []string{"task"})

	ExecutionsAcknowledged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_acknowledged_total",
		Help:      "Executions acknowledged after a successful handler run.",
	}, []string{"task"})

	ExecutionsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_reaped_total",
		Help:      "Timeout Index reap results that claimed an entry, by outcome.",
	}, []string{"outcome"})

	CronTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cron_ticks_total",
		Help:      "Cron fire times reached, by whether this process won the tick lock.",
	}, []string{"task", "outcome"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Store operations that failed, by operation.",
	}, []string{"op"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handler_duration_seconds",
		Help:      "Handler run time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})
)

// Init sets the server info gauge.
func Init(version, store string) {
	ServerInfo.WithLabelValues(version, store).Set(1)
}
