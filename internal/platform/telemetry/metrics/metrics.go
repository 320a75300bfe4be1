package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gradebook"

// Delivery results recorded by ObserveDelivery.
const (
	ResultDelivered = "delivered"
	ResultRetry     = "retry"
	ResultDead      = "dead"
)

// Metrics groups the event store collectors.
type Metrics struct {
	appended       *prometheus.CounterVec
	conflicts      prometheus.Counter
	handlerFailure *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	appendDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events committed to the log by type",
		}, []string{"event_type"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Appends rejected by an expected-version mismatch",
		}),
		handlerFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked, by event type",
		}, []string{"event_type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts by result",
		}, []string{"result"}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Time spent committing a single append",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.appended, m.conflicts, m.handlerFailure, m.deliveries, m.appendDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveAppend records a committed append of eventType.
func (m *Metrics) ObserveAppend(eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.appended.WithLabelValues(eventType).Inc()
	m.appendDuration.Observe(elapsed.Seconds())
}

// ObserveConflict records a version conflict.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// ObserveHandlerFailure records a failed handler invocation.
func (m *Metrics) ObserveHandlerFailure(eventType string) {
	if m == nil {
		return
	}
	m.handlerFailure.WithLabelValues(eventType).Inc()
}

// ObserveDelivery records an outbox delivery outcome.
func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// Handler serves gatherer in the Prometheus exposition format on /metrics
// with a /healthz probe.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
