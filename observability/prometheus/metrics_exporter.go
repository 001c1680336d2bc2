package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-dispatch/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds   *prom.HistogramVec
	taskPanicTotal        *prom.CounterVec
	taskRejectedTotal     *prom.CounterVec
	queueDepth            *prom.GaugeVec
	workerSpawnedTotal    *prom.CounterVec
	spawnFailureTotal     *prom.CounterVec
	priorityOverrideTotal *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "dispatch"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"queue", "priority"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"queue"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of rejected tasks.",
	}, []string{"queue", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Items waiting on a queue after the latest push.",
	}, []string{"queue"})
	spawnedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawned_total",
		Help:      "Total number of worker goroutines started.",
	}, []string{"priority"})
	spawnFailVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawn_failure_total",
		Help:      "Total number of failed worker spawns.",
	}, []string{"priority"})
	overrideVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "priority_override_total",
		Help:      "Total number of priority overrides applied to enqueued or draining queues.",
	}, []string{"queue", "priority"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if spawnedVec, err = registerCollector(reg, spawnedVec); err != nil {
		return nil, err
	}
	if spawnFailVec, err = registerCollector(reg, spawnFailVec); err != nil {
		return nil, err
	}
	if overrideVec, err = registerCollector(reg, overrideVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds:   durationVec,
		taskPanicTotal:        panicVec,
		taskRejectedTotal:     rejectedVec,
		queueDepth:            queueDepthVec,
		workerSpawnedTotal:    spawnedVec,
		spawnFailureTotal:     spawnFailVec,
		priorityOverrideTotal: overrideVec,
	}, nil
}

// RecordTaskDuration records task execution duration.
func (m *MetricsExporter) RecordTaskDuration(queueName string, priority core.TaskPriority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(queueName, "unknown"), priorityLabel(priority)).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(queueName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(queueName, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(queueName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(queueName, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(queueName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(queueName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordWorkerSpawned counts a new worker of the pool of the given class.
func (m *MetricsExporter) RecordWorkerSpawned(priority core.TaskPriority) {
	if m == nil {
		return
	}
	m.workerSpawnedTotal.WithLabelValues(priorityLabel(priority)).Inc()
}

// RecordSpawnFailure counts a failed worker spawn.
func (m *MetricsExporter) RecordSpawnFailure(priority core.TaskPriority) {
	if m == nil {
		return
	}
	m.spawnFailureTotal.WithLabelValues(priorityLabel(priority)).Inc()
}

// RecordPriorityOverride counts a raised priority ceiling.
func (m *MetricsExporter) RecordPriorityOverride(queueName string, priority core.TaskPriority) {
	if m == nil {
		return
	}
	m.priorityOverrideTotal.WithLabelValues(normalizeLabel(queueName, "unknown"), priorityLabel(priority)).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func priorityLabel(priority core.TaskPriority) string {
	if !priority.Valid() || priority == core.TaskPriorityUnspecified {
		return "unknown"
	}
	return priority.String()
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
