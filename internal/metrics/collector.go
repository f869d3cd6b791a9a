// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the orchestrator's Prometheus metrics.
type Collector struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskDuration  *prometheus.HistogramVec

	eventsEmitted   prometheus.Counter
	subscriberDrops prometheus.Counter
	subscribers     prometheus.Gauge

	bufferWriteFailures prometheus.Counter
	bufferFallbacks     prometheus.Counter

	subagentsCollected prometheus.Counter
	claimsReleased     prometheus.Counter

	tasksSwept prometheus.Counter
}

// NewCollector registers the orchestrator metrics under the given
// namespace with reg. A nil registerer uses the default registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		tasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks accepted by the registry.",
		}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal state, by status.",
		}, []string{"status"}),
		tasksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently running.",
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Run duration from start to terminal state, by status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"status"}),
		eventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events accepted from producers.",
		}),
		subscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Currently attached subscriber connections.",
		}),
		bufferWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_write_failures_total",
			Help:      "Durable buffer writes that failed.",
		}),
		bufferFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_fallbacks_total",
			Help:      "Events kept only in the in-memory fallback list.",
		}),
		subagentsCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subagents_collected_total",
			Help:      "Subagent results merged into run records.",
		}),
		claimsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subagent_claims_released_total",
			Help:      "Subagent claims released after a collection deadline.",
		}),
		tasksSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_swept_total",
			Help:      "Task entries reclaimed by the GC sweeper.",
		}),
	}
}

// TaskStarted records an accepted task.
func (c *Collector) TaskStarted() {
	c.tasksStarted.Inc()
	c.tasksRunning.Inc()
}

// TaskFinished records a terminal transition and its run duration.
func (c *Collector) TaskFinished(status string, duration time.Duration) {
	c.tasksFinished.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.tasksRunning.Dec()
}

// EventEmitted records one accepted producer event.
func (c *Collector) EventEmitted() {
	c.eventsEmitted.Inc()
}

// SubscriberDrops records events dropped on full subscriber queues.
func (c *Collector) SubscriberDrops(n int) {
	if n > 0 {
		c.subscriberDrops.Add(float64(n))
	}
}

// SubscriberAttached / SubscriberDetached track the connection gauge.
func (c *Collector) SubscriberAttached() { c.subscribers.Inc() }
func (c *Collector) SubscriberDetached() { c.subscribers.Dec() }

// BufferWriteFailure records one failed durable write.
func (c *Collector) BufferWriteFailure() { c.bufferWriteFailures.Inc() }

// BufferFallback records one event kept only in memory.
func (c *Collector) BufferFallback() { c.bufferFallbacks.Inc() }

// SubagentCollected records one merged subagent result.
func (c *Collector) SubagentCollected() { c.subagentsCollected.Inc() }

// ClaimReleased records one claim released on deadline.
func (c *Collector) ClaimReleased() { c.claimsReleased.Inc() }

// TaskSwept records one reclaimed task entry.
func (c *Collector) TaskSwept() { c.tasksSwept.Inc() }
