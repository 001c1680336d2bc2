package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test helpers shared by the package tests
// =============================================================================

// newTestEngine creates an engine with short timeouts and shuts it down with the test.
func newTestEngine(t *testing.T, mutate ...func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.WorkerIdleTimeout = 200 * time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}
	e := NewEngine(cfg)
	t.Cleanup(e.Shutdown)
	return e
}

// requireFatal runs fn and asserts it panics with a FatalError wrapping want.
func requireFatal(t *testing.T, want error, fn func()) {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	require.NotNil(t, got, "expected a fatal error")
	fe, ok := got.(*FatalError)
	require.Truef(t, ok, "expected *FatalError, got %T: %v", got, got)
	assert.Truef(t, errors.Is(fe, want), "expected %v, got %v", want, fe)
}

// catchFatal runs fn and returns the FatalError it raised, if any.
func catchFatal(fn func()) (fe *FatalError) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*FatalError); ok {
				fe = e
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

func waitClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timeout: %s", msg)
	}
}

// =============================================================================
// Test PanicHandler
// =============================================================================

// TestPanicHandler is a mock panic handler for testing
type TestPanicHandler struct {
	mu    sync.Mutex
	calls []PanicCall
}

type PanicCall struct {
	QueueName string
	WorkerID  int
	PanicInfo any
}

func NewTestPanicHandler() *TestPanicHandler {
	return &TestPanicHandler{}
}

func (h *TestPanicHandler) HandlePanic(ctx context.Context, queueName string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, PanicCall{QueueName: queueName, WorkerID: workerID, PanicInfo: panicInfo})
}

func (h *TestPanicHandler) GetCalls() []PanicCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PanicCall(nil), h.calls...)
}

func (h *TestPanicHandler) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func TestDefaultPanicHandler(t *testing.T) {
	// Given: A DefaultPanicHandler
	handler := &DefaultPanicHandler{}

	// When: HandlePanic is called
	// Then: it does not crash
	handler.HandlePanic(context.Background(), "test-queue", 42, "test panic", []byte("stack trace"))
}

// =============================================================================
// Test Metrics
// =============================================================================

// TestMetrics is a mock metrics collector for testing
type TestMetrics struct {
	mu             sync.Mutex
	taskDurations  []TaskDurationMetric
	taskPanics     []TaskPanicMetric
	queueDepths    []QueueDepthMetric
	taskRejections []TaskRejectionMetric
	spawned        map[TaskPriority]int
	spawnFailures  map[TaskPriority]int
	overrides      []TaskPriority
}

type TaskDurationMetric struct {
	QueueName string
	Priority  TaskPriority
	Duration  time.Duration
}

type TaskPanicMetric struct {
	QueueName string
	PanicInfo any
}

type QueueDepthMetric struct {
	QueueName string
	Depth     int
}

type TaskRejectionMetric struct {
	QueueName string
	Reason    string
}

func NewTestMetrics() *TestMetrics {
	return &TestMetrics{
		spawned:       make(map[TaskPriority]int),
		spawnFailures: make(map[TaskPriority]int),
	}
}

func (m *TestMetrics) RecordTaskDuration(queueName string, priority TaskPriority, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskDurations = append(m.taskDurations, TaskDurationMetric{queueName, priority, duration})
}

func (m *TestMetrics) RecordTaskPanic(queueName string, panicInfo any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskPanics = append(m.taskPanics, TaskPanicMetric{queueName, panicInfo})
}

func (m *TestMetrics) RecordQueueDepth(queueName string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepths = append(m.queueDepths, QueueDepthMetric{queueName, depth})
}

func (m *TestMetrics) RecordTaskRejected(queueName string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskRejections = append(m.taskRejections, TaskRejectionMetric{queueName, reason})
}

func (m *TestMetrics) RecordWorkerSpawned(priority TaskPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned[priority]++
}

func (m *TestMetrics) RecordSpawnFailure(priority TaskPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnFailures[priority]++
}

func (m *TestMetrics) RecordPriorityOverride(queueName string, priority TaskPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, priority)
}

func (m *TestMetrics) GetTaskDurations() []TaskDurationMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskDurationMetric(nil), m.taskDurations...)
}

func (m *TestMetrics) GetTaskPanics() []TaskPanicMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskPanicMetric(nil), m.taskPanics...)
}

func (m *TestMetrics) GetTaskRejections() []TaskRejectionMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskRejectionMetric(nil), m.taskRejections...)
}

func (m *TestMetrics) SpawnFailures(p TaskPriority) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawnFailures[p]
}

func (m *TestMetrics) Overrides() []TaskPriority {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskPriority(nil), m.overrides...)
}

func TestNilMetrics(t *testing.T) {
	// Given: A NilMetrics
	metrics := &NilMetrics{}

	// When: every method is called
	// Then: nothing happens
	metrics.RecordTaskDuration("q", TaskPriorityUserVisible, time.Millisecond)
	metrics.RecordTaskPanic("q", "boom")
	metrics.RecordQueueDepth("q", 3)
	metrics.RecordTaskRejected("q", "shutdown")
	metrics.RecordWorkerSpawned(TaskPriorityUserVisible)
	metrics.RecordSpawnFailure(TaskPriorityUserVisible)
	metrics.RecordPriorityOverride("q", TaskPriorityUserBlocking)
}

// =============================================================================
// Test RejectedTaskHandler
// =============================================================================

type TestRejectedTaskHandler struct {
	mu         sync.Mutex
	rejections []TaskRejection
}

type TaskRejection struct {
	QueueName string
	Reason    string
}

func NewTestRejectedTaskHandler() *TestRejectedTaskHandler {
	return &TestRejectedTaskHandler{}
}

func (h *TestRejectedTaskHandler) HandleRejectedTask(queueName string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejections = append(h.rejections, TaskRejection{QueueName: queueName, Reason: reason})
}

func (h *TestRejectedTaskHandler) GetRejections() []TaskRejection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TaskRejection(nil), h.rejections...)
}

func (h *TestRejectedTaskHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rejections)
}

func TestDefaultRejectedTaskHandler(t *testing.T) {
	// Given: A DefaultRejectedTaskHandler
	handler := &DefaultRejectedTaskHandler{}

	// When: HandleRejectedTask is called
	// Then: it does not crash
	handler.HandleRejectedTask("test-queue", "shutdown")
}

// =============================================================================
// Test EngineConfig
// =============================================================================

func TestDefaultEngineConfig(t *testing.T) {
	// Given: Default config
	config := DefaultEngineConfig()

	// Then: every field has its default
	assert.Equal(t, defaultMaxWorkersPerPool, config.MaxWorkersPerPool)
	assert.Equal(t, defaultWorkerIdleTimeout, config.WorkerIdleTimeout)
	assert.Equal(t, defaultDrainQuantum, config.DrainQuantum)
	assert.Equal(t, defaultDrainBudget, config.DrainBudget)
	require.NotNil(t, config.StrictRetarget)
	assert.True(t, *config.StrictRetarget)
	require.NotNil(t, config.SpawnRetry)
	assert.Equal(t, DefaultRetryPolicy(), *config.SpawnRetry)
	assert.IsType(t, GoroutineSpawner{}, config.Spawner)
	assert.IsType(t, &DefaultPanicHandler{}, config.PanicHandler)
	assert.IsType(t, &NilMetrics{}, config.Metrics)
	assert.IsType(t, &DefaultRejectedTaskHandler{}, config.RejectedTaskHandler)
}

func TestEngineConfig_PartialConfig(t *testing.T) {
	// Given: a config with only Metrics and DrainBudget set
	metrics := NewTestMetrics()
	cfg := &EngineConfig{Metrics: metrics, DrainBudget: 8}

	// When: defaults are applied
	out := cfg.withDefaults()

	// Then: the set fields survive and the rest is filled in
	assert.Same(t, metrics, out.Metrics)
	assert.Equal(t, 8, out.DrainBudget)
	assert.Equal(t, defaultMaxWorkersPerPool, out.MaxWorkersPerPool)
	assert.NotNil(t, out.Logger)
	assert.NotNil(t, out.PanicHandler)
	assert.NotNil(t, out.Spawner)
	assert.True(t, *out.StrictRetarget)
}

func TestEngineConfig_NilConfig(t *testing.T) {
	// Given: a nil config
	var cfg *EngineConfig

	// When: defaults are applied
	out := cfg.withDefaults()

	// Then: the defaults are returned
	assert.Equal(t, defaultDrainQuantum, out.DrainQuantum)
	assert.NotNil(t, out.RejectedTaskHandler)
}

// TestEngine_PanicHandling verifies that a panicking task is reported and the queue keeps running
// Given: an engine with a test panic handler and test metrics
// When: a serial queue runs a panicking task followed by a normal one
// Then: the handler and metrics see the panic and the second task still runs
func TestEngine_PanicHandling(t *testing.T) {
	// Arrange
	panicHandler := NewTestPanicHandler()
	metrics := NewTestMetrics()
	e := newTestEngine(t, func(c *EngineConfig) {
		c.PanicHandler = panicHandler
		c.Metrics = metrics
	})
	q := e.NewQueue("panicky")
	done := make(chan struct{})

	// Act
	q.Submit(func(ctx context.Context) { panic("test panic") })
	q.Submit(func(ctx context.Context) { close(done) })

	// Assert
	waitClosed(t, done, 2*time.Second, "task after panic did not run")
	require.Eventually(t, func() bool { return panicHandler.CallCount() == 1 }, time.Second, 5*time.Millisecond)
	calls := panicHandler.GetCalls()
	assert.Equal(t, "panicky", calls[0].QueueName)
	assert.Equal(t, "test panic", calls[0].PanicInfo)
	require.Len(t, metrics.GetTaskPanics(), 1)
	require.Eventually(t, func() bool { return len(metrics.GetTaskDurations()) == 2 }, time.Second, 5*time.Millisecond)
}

// TestEngine_RejectedTask verifies submissions after shutdown are rejected
// Given: an engine that has been shut down
// When: tasks are submitted to a queue, a pool and an event queue
// Then: none runs and each is reported to the handler and metrics
func TestEngine_RejectedTask(t *testing.T) {
	// Arrange
	rejected := NewTestRejectedTaskHandler()
	metrics := NewTestMetrics()
	e := newTestEngine(t, func(c *EngineConfig) {
		c.RejectedTaskHandler = rejected
		c.Metrics = metrics
	})
	q := e.NewQueue("closed")
	ev := e.NewEventQueue("closed-ev")
	e.Shutdown()

	// Act
	ran := false
	q.Submit(func(ctx context.Context) { ran = true })
	e.Pool(TaskPriorityUserVisible).Submit(func(ctx context.Context) { ran = true })
	ev.Submit(func(ctx context.Context) { ran = true })
	err := q.SubmitAndWaitContext(context.Background(), func(ctx context.Context) { ran = true })

	// Assert
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.False(t, ran)
	assert.True(t, e.IsClosed())
	assert.Equal(t, 4, rejected.Count())
	assert.Equal(t, "shutdown", rejected.GetRejections()[0].Reason)
	assert.Len(t, metrics.GetTaskRejections(), 4)
}
