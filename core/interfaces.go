package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task (CurrentQueue works on it)
	// - queueName: The label of the queue the task was submitted to
	// - workerID: The pool worker ID, or -1 for event loops and synchronous callers
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, queueName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, queueName string, workerID int, panicInfo any, stackTrace []byte) {
	if workerID >= 0 {
		fmt.Printf("[Worker %d @ %s] Panic: %v\nStack trace:\n%s",
			workerID, queueName, panicInfo, stackTrace)
	} else {
		fmt.Printf("[Queue %s] Panic: %v\nStack trace:\n%s",
			queueName, panicInfo, stackTrace)
	}
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting engine metrics.
// Methods should be non-blocking and fast; they are called on the drain path.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(queueName string, priority TaskPriority, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(queueName string, panicInfo any)

	// RecordQueueDepth records the number of items waiting on a queue after a push.
	RecordQueueDepth(queueName string, depth int)

	// RecordTaskRejected records that a task was rejected (e.g., during shutdown).
	RecordTaskRejected(queueName string, reason string)

	// RecordWorkerSpawned records a new worker goroutine in the pool of the given class.
	RecordWorkerSpawned(priority TaskPriority)

	// RecordSpawnFailure records a ThreadSpawner failure.
	RecordSpawnFailure(priority TaskPriority)

	// RecordPriorityOverride records that a queue's priority ceiling was raised
	// while it was already enqueued or draining.
	RecordPriorityOverride(queueName string, priority TaskPriority)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(queueName string, priority TaskPriority, duration time.Duration) {
}
func (m *NilMetrics) RecordTaskPanic(queueName string, panicInfo any)                {}
func (m *NilMetrics) RecordQueueDepth(queueName string, depth int)                   {}
func (m *NilMetrics) RecordTaskRejected(queueName string, reason string)             {}
func (m *NilMetrics) RecordWorkerSpawned(priority TaskPriority)                      {}
func (m *NilMetrics) RecordSpawnFailure(priority TaskPriority)                       {}
func (m *NilMetrics) RecordPriorityOverride(queueName string, priority TaskPriority) {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a submission is rejected because the
// engine has been shut down.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(queueName string, reason string)
}

// DefaultRejectedTaskHandler provides a basic handler that logs rejected tasks.
type DefaultRejectedTaskHandler struct{}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(queueName string, reason string) {
	fmt.Printf("[Queue %s] Task rejected: %s\n", queueName, reason)
}

// =============================================================================
// ThreadSpawner: where worker goroutines come from
// =============================================================================

// ThreadSpawner starts a worker. The pool calls Spawn at most once per pending
// request; a returned error is retried according to EngineConfig.SpawnRetry.
type ThreadSpawner interface {
	Spawn(worker func()) error
}

// GoroutineSpawner runs every worker on a fresh goroutine and never fails.
type GoroutineSpawner struct{}

func (GoroutineSpawner) Spawn(worker func()) error {
	go worker()
	return nil
}

// =============================================================================
// EngineConfig: Configuration for Engine
// =============================================================================

const (
	defaultMaxWorkersPerPool = 64
	defaultWorkerIdleTimeout = 5 * time.Second
	defaultDrainQuantum      = 10 * time.Millisecond
	defaultDrainBudget       = 256
)

// EngineConfig holds configuration options for Engine.
// Zero or nil fields fall back to the values of DefaultEngineConfig.
type EngineConfig struct {
	// MaxWorkersPerPool caps the worker goroutines of each QoS pool.
	MaxWorkersPerPool int

	// WorkerIdleTimeout is how long a parked worker waits before exiting.
	WorkerIdleTimeout time.Duration

	// DrainQuantum is the time slice after which a drain yields if its pool has
	// other work waiting and no idle worker.
	DrainQuantum time.Duration

	// DrainBudget is the number of items after which a drain yields under the
	// same condition as DrainQuantum.
	DrainBudget int

	// StrictRetarget makes SetTarget on an activated queue that other queues
	// target a fatal error. Defaults to true.
	StrictRetarget *bool

	// SpawnRetry controls retries of failed worker spawns.
	SpawnRetry *RetryPolicy

	// Spawner starts worker goroutines. Defaults to GoroutineSpawner.
	Spawner ThreadSpawner

	Logger Logger

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record engine metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// OnFatal receives fatal errors raised off the caller's goroutine (spawn
	// exhaustion). The default panics.
	OnFatal func(*FatalError)
}

// DefaultEngineConfig returns a config with default handlers.
func DefaultEngineConfig() *EngineConfig {
	strict := true
	retry := DefaultRetryPolicy()
	return &EngineConfig{
		MaxWorkersPerPool:   defaultMaxWorkersPerPool,
		WorkerIdleTimeout:   defaultWorkerIdleTimeout,
		DrainQuantum:        defaultDrainQuantum,
		DrainBudget:         defaultDrainBudget,
		StrictRetarget:      &strict,
		SpawnRetry:          &retry,
		Spawner:             GoroutineSpawner{},
		Logger:              NewNoOpLogger(),
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
	}
}

// withDefaults returns a copy of cfg with every unset field filled in.
func (cfg *EngineConfig) withDefaults() EngineConfig {
	def := DefaultEngineConfig()
	if cfg == nil {
		return *def
	}
	out := *cfg
	if out.MaxWorkersPerPool <= 0 {
		out.MaxWorkersPerPool = def.MaxWorkersPerPool
	}
	if out.WorkerIdleTimeout <= 0 {
		out.WorkerIdleTimeout = def.WorkerIdleTimeout
	}
	if out.DrainQuantum <= 0 {
		out.DrainQuantum = def.DrainQuantum
	}
	if out.DrainBudget <= 0 {
		out.DrainBudget = def.DrainBudget
	}
	if out.StrictRetarget == nil {
		out.StrictRetarget = def.StrictRetarget
	}
	if out.SpawnRetry == nil {
		out.SpawnRetry = def.SpawnRetry
	}
	if out.Spawner == nil {
		out.Spawner = def.Spawner
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	if out.PanicHandler == nil {
		out.PanicHandler = def.PanicHandler
	}
	if out.Metrics == nil {
		out.Metrics = def.Metrics
	}
	if out.RejectedTaskHandler == nil {
		out.RejectedTaskHandler = def.RejectedTaskHandler
	}
	return out
}
