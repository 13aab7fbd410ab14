package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewatch_probes_total",
		Help: "Probes executed by protocol and outcome.",
	}, []string{"protocol", "outcome"})

	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulsewatch_probe_duration_seconds",
		Help:    "Probe duration by protocol.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"protocol"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsewatch_queue_depth",
		Help: "Scheduler queue depth by state.",
	}, []string{"state"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewatch_jobs_processed_total",
		Help: "Jobs processed by result (acked, retried, dead).",
	}, []string{"result"})

	IncidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewatch_incidents_total",
		Help: "Incident lifecycle transitions.",
	}, []string{"transition"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewatch_notifications_total",
		Help: "Notification deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})

	RelayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewatch_relay_events_total",
		Help: "Relay stream events by outcome (published, delivered, dropped).",
	}, []string{"outcome"})
)
