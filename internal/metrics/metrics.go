// Package metrics holds the prometheus collectors of the service. They are
// registered on Registry rather than the global default registerer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	RelayDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_relay_delivered_total",
			Help: "Number of topic entries handed to the relay handler.",
		},
		[]string{"topic"},
	)
	RelayHandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_relay_handler_errors_total",
			Help: "Number of relay handler invocations that returned an error or panicked.",
		},
		[]string{"topic"},
	)
	RelayResubscribesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_relay_resubscribes_total",
			Help: "Number of times a lost topic subscription was reopened.",
		},
		[]string{"topic"},
	)
	RelayLastSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "topicrelay_relay_last_sequence",
			Help: "Sequence number of the last entry delivered per topic.",
		},
		[]string{"topic"},
	)

	ForwardTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_forward_total",
			Help: "Number of forward attempts by result.",
		},
		[]string{"result"},
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_publish_total",
			Help: "Number of publish requests by result.",
		},
		[]string{"result"},
	)

	WorkflowRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_workflow_runs_total",
			Help: "Number of points workflow runs by outcome.",
		},
		[]string{"outcome"},
	)
	WorkflowStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topicrelay_workflow_step_duration_seconds",
			Help:    "Time taken by each points workflow step.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_outbox_events_total",
			Help: "Number of outbox rows handled by result.",
		},
		[]string{"result"},
	)

	LedgerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_ledger_retries_total",
			Help: "Number of retried ledger calls by operation.",
		},
		[]string{"op"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicrelay_http_requests_total",
			Help: "Number of HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topicrelay_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RelayDeliveredTotal,
		RelayHandlerErrorsTotal,
		RelayResubscribesTotal,
		RelayLastSequence,
		ForwardTotal,
		PublishTotal,
		WorkflowRunsTotal,
		WorkflowStepDuration,
		OutboxEventsTotal,
		LedgerRetriesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler serves Registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveStep records the duration of a workflow step started at start.
func ObserveStep(step string, start time.Time) {
	WorkflowStepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// ObserveRequest records one HTTP request.
func ObserveRequest(route string, code int, start time.Time) {
	HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// RetryObserver is a ledger.RetryPolicy.OnRetry hook.
func RetryObserver(op string, attempt int, err error) {
	LedgerRetriesTotal.WithLabelValues(op).Inc()
}
