// Package metrics exposes engine activity as Prometheus metrics. Counters
// are fed from the run event log through an EventAppender decorator, so
// every event the engine records is counted exactly once.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/sagaflow/internal/engine"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// Collector holds the sagaflow metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	runsStarted        prometheus.Counter
	runOutcomes        *prometheus.CounterVec
	stepFailures       prometheus.Counter
	tokenEvents        *prometheus.CounterVec
	compensationsTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with the Go runtime and process
// collectors registered alongside the sagaflow metrics.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Run events appended, by event type",
		}, []string{"type"}),
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started",
		}),
		runOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Runs that reached a terminal status, by status",
		}, []string{"status"}),
		stepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Steps that failed and triggered compensation",
		}),
		tokenEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspension_tokens_total",
			Help:      "Suspension token lifecycle events, by outcome",
		}, []string{"outcome"}),
		compensationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Per-step compensation results",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RegisterPool exposes the sweep worker pool counters as gauges read on scrape.
func (c *Collector) RegisterPool(namespace string, snapshot func() engine.PoolMetrics) {
	gauge := func(name, help string, read func(engine.PoolMetrics) int64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(snapshot())) })
	}
	c.registry.MustRegister(
		gauge("active", "Expiry handlers currently running", func(m engine.PoolMetrics) int64 { return m.Active }),
		gauge("completed", "Expiry handlers finished without error", func(m engine.PoolMetrics) int64 { return m.Completed }),
		gauge("failed", "Expiry handlers that returned an error", func(m engine.PoolMetrics) int64 { return m.Failed }),
		gauge("panics", "Expiry handlers that panicked", func(m engine.PoolMetrics) int64 { return m.Panics }),
	)
}

// Observe counts one appended event.
func (c *Collector) Observe(event *store.Event) {
	c.eventsTotal.WithLabelValues(event.Type).Inc()

	switch event.Type {
	case schema.EventRunStarted:
		c.runsStarted.Inc()
	case schema.EventRunCompleted:
		c.runOutcomes.WithLabelValues(string(schema.RunStatusCompleted)).Inc()
	case schema.EventRunCompensated:
		c.runOutcomes.WithLabelValues(string(schema.RunStatusCompensated)).Inc()
	case schema.EventRunFailed:
		c.runOutcomes.WithLabelValues(string(schema.RunStatusFailed)).Inc()
	case schema.EventStepFailed:
		c.stepFailures.Inc()
	case schema.EventTokenCreated:
		c.tokenEvents.WithLabelValues("created").Inc()
	case schema.EventTokenSignaled:
		c.tokenEvents.WithLabelValues("signaled").Inc()
	case schema.EventTokenExpired:
		c.tokenEvents.WithLabelValues("expired").Inc()
	case schema.EventTokenCancelled:
		c.tokenEvents.WithLabelValues("cancelled").Inc()
	case schema.EventTokenRetried:
		c.tokenEvents.WithLabelValues("retried").Inc()
	case schema.EventStepCompensated:
		c.compensationsTotal.WithLabelValues("compensated").Inc()
	case schema.EventStepCompensateSkipped:
		c.compensationsTotal.WithLabelValues("skipped").Inc()
	case schema.EventCompensationFailed:
		c.compensationsTotal.WithLabelValues("failed").Inc()
	}
}

// Appender counts events on their way to the wrapped appender. Events the
// wrapped appender rejects are not counted.
type Appender struct {
	next      engine.EventAppender
	collector *Collector
}

var _ engine.EventAppender = (*Appender)(nil)

// NewAppender wraps next.
func NewAppender(next engine.EventAppender, c *Collector) *Appender {
	return &Appender{next: next, collector: c}
}

// AppendEvent implements engine.EventAppender.
func (a *Appender) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := a.next.AppendEvent(ctx, event); err != nil {
		return err
	}
	a.collector.Observe(event)
	return nil
}
