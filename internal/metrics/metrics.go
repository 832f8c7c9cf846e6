// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "abusewatch"

var (
	LinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_lines_read_total",
		Help:      "Total number of firewall log lines read",
	})

	EventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_events_total",
		Help:      "Total number of accepted external to internal connection events",
	})

	WindowHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "window_hosts",
		Help:      "Hosts waiting in the collection window",
	})

	Checks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reputation_checks_total",
		Help:      "Reputation checks by resulting threat level",
	}, []string{"level"})

	APIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reputation_errors_total",
		Help:      "Reputation API failures by kind",
	}, []string{"kind"})

	QuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quota_remaining",
		Help:      "Reputation checks left for the current day",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Time spent processing a batch",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	NewThreats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "new_threats_total",
		Help:      "Hosts newly classified as suspicious or malicious",
	})

	JobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_errors_total",
		Help:      "Failed daemon job runs by job name",
	}, []string{"job"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
