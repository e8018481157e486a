// Package coremetrics exposes Prometheus instrumentation for corebus.
// Every counter and gauge is registered against a caller-supplied
// *prometheus.Registry (never the global default registry), so embedding
// applications control exactly what gets exported and under what
// namespace. A nil *Metrics is valid everywhere it is accepted and every
// method on it is a no-op, so components can hold one unconditionally.
package coremetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters and gauges corebus components report
// against. Construct with New. A nil *Metrics is safe to call methods on;
// a zero-value Metrics is not, since its counters and gauges are nil.
type Metrics struct {
	subscriptionsRegistered prometheus.Counter
	eventsPublished         *prometheus.CounterVec
	eventsDropped           prometheus.Counter
	eventsCoalesced         prometheus.Counter
	admissionsGranted       prometheus.Counter
	admissionsDenied        prometheus.Counter
	adapterPending          prometheus.Gauge
	asyncQueueDepth         prometheus.Gauge
}

// New registers and returns a Metrics instrumented against reg, with every
// metric name prefixed by namespace (default "corebus" if empty).
func New(reg *prometheus.Registry, namespace string) *Metrics {
	if namespace == "" {
		namespace = "corebus"
	}
	factory := promauto.With(reg)
	return &Metrics{
		subscriptionsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_registered_total",
			Help:      "Total subscriber registrations across all buses.",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total events published, labeled by bus kind.",
		}, []string{"bus"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total events dropped because the async worker pool was full.",
		}),
		eventsCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_coalesced_total",
			Help:      "Total publications absorbed into an already-queued slot for the same tag.",
		}),
		admissionsGranted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_admissions_granted_total",
			Help:      "Total throttler admissions granted.",
		}),
		admissionsDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_admissions_denied_total",
			Help:      "Total throttler admissions denied.",
		}),
		adapterPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adapter_pending_events",
			Help:      "Events currently buffered in a throttled bus adapter waiting for capacity.",
		}),
		asyncQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "async_queue_depth",
			Help:      "Events currently queued in an asynchronous bus awaiting the drainer.",
		}),
	}
}

func (m *Metrics) RecordSubscription() {
	if m == nil {
		return
	}
	m.subscriptionsRegistered.Inc()
}

func (m *Metrics) RecordPublish(bus string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(bus).Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.eventsCoalesced.Inc()
}

func (m *Metrics) RecordAdmissionGranted() {
	if m == nil {
		return
	}
	m.admissionsGranted.Inc()
}

func (m *Metrics) RecordAdmissionDenied() {
	if m == nil {
		return
	}
	m.admissionsDenied.Inc()
}

func (m *Metrics) SetAdapterPending(n int) {
	if m == nil {
		return
	}
	m.adapterPending.Set(float64(n))
}

func (m *Metrics) SetAsyncQueueDepth(n int) {
	if m == nil {
		return
	}
	m.asyncQueueDepth.Set(float64(n))
}
