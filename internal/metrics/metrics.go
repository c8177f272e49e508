// Package metrics exposes Prometheus gauges/counters/histograms for
// the runtime's actor system, topic buses, value store, and automation
// engine — the "observability UI" spec.md §9 defers to an external
// collaborator, given a concrete metrics surface here instead.
//
// Grounded on cuemby-warren's pkg/metrics: package-level prometheus.*
// vars registered once in init() against the default registry, a
// Timer helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActorsAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bramble_actors_alive",
		Help: "Number of actors currently registered with the system",
	})

	MailboxDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bramble_mailbox_depth",
		Help: "Pending message count in an actor's mailbox",
	}, []string{"actor"})

	TopicSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bramble_topic_subscribers",
		Help: "Number of active subscribers on a topic",
	}, []string{"topic"})

	ValueStoreSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bramble_value_store_size",
		Help: "Number of ValueIds currently held in the value store",
	})

	IncomingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bramble_incoming_total",
		Help: "Total number of incoming value-change events published",
	})

	OutgoingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bramble_outgoing_total",
		Help: "Total number of outgoing push events published",
	})

	ProgramsCompiledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bramble_programs_compiled_total",
		Help: "Total number of automation compile attempts by result",
	}, []string{"result"})

	ProgramExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bramble_program_execution_duration_seconds",
		Help:    "Time taken to execute a compiled automation program",
		Buckets: prometheus.DefBuckets,
	})

	ProgramExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bramble_program_executions_total",
		Help: "Total number of automation program executions by result",
	}, []string{"result"})

	TaskFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bramble_scheduled_task_fired_total",
		Help: "Total number of scheduled task firings by status",
	}, []string{"status"})

	AdapterConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bramble_adapter_connected",
		Help: "Whether an integration adapter is currently connected (1) or not (0)",
	}, []string{"adapter"})
)

func init() {
	prometheus.MustRegister(
		ActorsAlive,
		MailboxDepth,
		TopicSubscribers,
		ValueStoreSize,
		IncomingTotal,
		OutgoingTotal,
		ProgramsCompiledTotal,
		ProgramExecutionDuration,
		ProgramExecutionsTotal,
		TaskFiredTotal,
		AdapterConnected,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
