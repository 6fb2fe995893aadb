// Package metrics exports the controller manager's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"go.viam.com/ctrlmgr/controller"
)

const namespace = "ctrlmgr"

// Collector holds the metrics of one manager in its own registry. It is a manager observer and
// a loop metrics sink.
type Collector struct {
	registry *prometheus.Registry

	tickDuration prometheus.Histogram
	overruns     prometheus.Counter
	faults       *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	active       *prometheus.GaugeVec
	batches      *prometheus.CounterVec
}

// NewCollector creates and registers every metric. Go runtime and process collectors are
// included when withRuntime is true.
func NewCollector(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Time spent updating plant and controllers in one tick.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "overruns_total",
			Help:      "Ticks that took longer than the loop period.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "faults_total",
			Help:      "Updates that failed or panicked, per controller.",
		}, []string{"controller"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "transitions_total",
			Help:      "Controller state transitions.",
		}, []string{"controller", "from", "to"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "active",
			Help:      "1 while the controller is active, 0 otherwise.",
		}, []string{"controller"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "requests_total",
			Help:      "Finished batch requests by final status.",
		}, []string{"status"}),
	}
	c.registry.MustRegister(c.tickDuration, c.overruns, c.faults, c.transitions, c.active, c.batches)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the registry to serve.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Transition records a controller state change.
func (c *Collector) Transition(name string, from, to controller.State) {
	c.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	if to == controller.Active {
		c.active.WithLabelValues(name).Set(1)
	} else {
		c.active.WithLabelValues(name).Set(0)
	}
}

// Fault records a failed controller update.
func (c *Collector) Fault(name string) {
	c.faults.WithLabelValues(name).Inc()
}

// ObserveTick records the duration of one tick.
func (c *Collector) ObserveTick(duration time.Duration) {
	c.tickDuration.Observe(duration.Seconds())
}

// ObserveOverrun records a tick that overran its period.
func (c *Collector) ObserveOverrun() {
	c.overruns.Inc()
}

// ObserveBatch records a finished batch request.
func (c *Collector) ObserveBatch(status string) {
	c.batches.WithLabelValues(status).Inc()
}
