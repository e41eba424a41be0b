package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

const namespace = "pctasks"

// PrometheusSink implements Sink on top of the Prometheus client.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	transitionsTotal *prometheus.CounterVec
	conflictsTotal   *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	driftTotal       *prometheus.CounterVec
	applyDuration    *prometheus.HistogramVec

	reconcileRepairsTotal *prometheus.CounterVec
	reconcileRunsTotal    *prometheus.CounterVec
	reconcileDuration     prometheus.Histogram

	eventsTotal *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewPrometheusSink creates the collectors and registers them on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initUpdaterMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initTransportMetrics(reg)
	return s
}

func (s *PrometheusSink) initUpdaterMetrics(reg prometheus.Registerer) {
	s.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "counter",
		Name:      "transitions_total",
		Help:      "Status transitions applied to parent aggregates.",
	}, []string{"record_type", "previous", "current"})
	s.conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "counter",
		Name:      "version_conflicts_total",
		Help:      "Optimistic concurrency conflicts that triggered a retry.",
	}, []string{"record_type"})
	s.failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "counter",
		Name:      "failures_total",
		Help:      "Child writes that could not be applied, by error code.",
	}, []string{"record_type", "code"})
	s.driftTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "counter",
		Name:      "drift_total",
		Help:      "Decrements skipped because the previous bucket was missing or already zero.",
	}, []string{"record_type", "status"})
	s.applyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "counter",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying one child write including retries.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"record_type"})

	s.register(reg, s.transitionsTotal, "counter_transitions_total")
	s.register(reg, s.conflictsTotal, "counter_version_conflicts_total")
	s.register(reg, s.failuresTotal, "counter_failures_total")
	s.register(reg, s.driftTotal, "counter_drift_total")
	s.register(reg, s.applyDuration, "counter_apply_duration_seconds")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileRepairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "repairs_total",
		Help:      "Parent aggregates whose counts were rebuilt from children.",
	}, []string{"parent_type"})
	s.reconcileRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Reconcile passes by result.",
	}, []string{"result"})
	s.reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "duration_seconds",
		Help:      "Duration of a full reconcile pass.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	s.register(reg, s.reconcileRepairsTotal, "reconciler_repairs_total")
	s.register(reg, s.reconcileRunsTotal, "reconciler_runs_total")
	s.register(reg, s.reconcileDuration, "reconciler_duration_seconds")
}

func (s *PrometheusSink) initTransportMetrics(reg prometheus.Registerer) {
	s.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "events_total",
		Help:      "Change events consumed from the feed, by transport and outcome.",
	}, []string{"transport", "outcome"})
	s.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	s.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	s.register(reg, s.eventsTotal, "feed_events_total")
	s.register(reg, s.httpRequestsTotal, "http_requests_total")
	s.register(reg, s.httpDuration, "http_request_duration_seconds")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		logger.L().Warn("failed to register metric", slog.String("metric", name), slog.Any("error", err))
	}
}

func (s *PrometheusSink) TransitionApplied(recordType, previous, current string) {
	if previous == "" {
		previous = "none"
	}
	s.transitionsTotal.WithLabelValues(recordType, previous, current).Inc()
}

func (s *PrometheusSink) ConflictRetry(recordType string) {
	s.conflictsTotal.WithLabelValues(recordType).Inc()
}

func (s *PrometheusSink) ApplyFailed(recordType, code string) {
	s.failuresTotal.WithLabelValues(recordType, code).Inc()
}

func (s *PrometheusSink) CountDrift(recordType, status string) {
	s.driftTotal.WithLabelValues(recordType, status).Inc()
}

func (s *PrometheusSink) ApplyLatency(recordType string, d time.Duration) {
	s.applyDuration.WithLabelValues(recordType).Observe(d.Seconds())
}

func (s *PrometheusSink) ReconcileRepaired(parentType string) {
	s.reconcileRepairsTotal.WithLabelValues(parentType).Inc()
}

func (s *PrometheusSink) ReconcileCompleted(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.reconcileRunsTotal.WithLabelValues(result).Inc()
	s.reconcileDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) EventConsumed(transport, outcome string) {
	s.eventsTotal.WithLabelValues(transport, outcome).Inc()
}

func (s *PrometheusSink) HTTPRequest(handler, method string, status int, d time.Duration) {
	s.httpRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	s.httpDuration.WithLabelValues(handler, method).Observe(d.Seconds())
}

// Handler exposes the registry in the Prometheus text exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
