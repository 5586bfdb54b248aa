package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"collend/events"
	"collend/native/lending"
)

// Metrics captures protocol activity for the Prometheus scrape endpoint.
type Metrics struct {
	events  *prometheus.CounterVec
	cleared prometheus.Histogram
}

var (
	metricsOnce sync.Once
	registry    *Metrics
)

// LendingMetrics returns the lazily-initialised protocol metrics registry.
func LendingMetrics() *Metrics {
	metricsOnce.Do(func() {
		registry = &Metrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "collend",
				Subsystem: "lending",
				Name:      "events_total",
				Help:      "Total protocol lifecycle events segmented by kind.",
			}, []string{"kind"}),
			cleared: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "collend",
				Subsystem: "lending",
				Name:      "cleared_amount",
				Help:      "Distribution of activated loan principal in base units.",
				Buckets:   prometheus.ExponentialBuckets(1e18, 10, 8),
			}),
		}
		prometheus.MustRegister(registry.events, registry.cleared)
	})
	return registry
}

// RecordEvent counts a lifecycle event by kind.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveCleared records an activated loan principal.
func (m *Metrics) ObserveCleared(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.cleared.Observe(value)
}

// EventCounter decorates an event emitter with metric recording. It forwards
// every event unchanged to the next sink.
type EventCounter struct {
	metrics *Metrics
	next    events.Emitter
}

// NewEventCounter wraps next with metric recording; a nil next discards
// events after counting.
func NewEventCounter(metrics *Metrics, next events.Emitter) *EventCounter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &EventCounter{metrics: metrics, next: next}
}

// Emit implements the events.Emitter interface.
func (c *EventCounter) Emit(evt events.Event) {
	if c == nil {
		return
	}
	c.metrics.RecordEvent(evt.Type)
	if evt.Type == lending.EventTypeCleared {
		if raw, ok := evt.Attributes["amount"]; ok {
			if amount, parsed := new(big.Int).SetString(raw, 10); parsed {
				c.metrics.ObserveCleared(amount)
			}
		}
	}
	c.next.Emit(evt)
}
