package core

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Engine owns one WorkerPool per QoS class and everything built on top of
// them. Queues, event queues and sources are created from an Engine and never
// share state with another Engine.
type Engine struct {
	cfg     EngineConfig
	logger  Logger
	metrics Metrics

	pools [numPriorities]*WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closed  atomic.Bool
	stopped atomic.Bool

	delayOnce sync.Once
	delay     *DelayManager

	eventMu     sync.Mutex
	eventQueues []*EventQueue
}

// NewEngine creates an engine. A nil cfg uses DefaultEngineConfig.
// Worker goroutines are started on demand.
func NewEngine(cfg *EngineConfig) *Engine {
	c := cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     c,
		logger:  c.Logger,
		metrics: c.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for p := TaskPriorityMaintenance; p <= TaskPriorityUserBlocking; p++ {
		e.pools[p] = newWorkerPool(e, p)
	}
	return e
}

// Pool returns the worker pool of the given class. Unspecified maps to UserVisible.
func (e *Engine) Pool(p TaskPriority) *WorkerPool {
	p = clampPriority(p)
	if p == TaskPriorityUnspecified {
		p = TaskPriorityUserVisible
	}
	return e.pools[p]
}

// defaultTarget is where a queue without an explicit target sends its node.
// The lowest pool forwards every node to the pool of the node's own priority.
func (e *Engine) defaultTarget(p Priority) Target {
	if eff := p.Effective(); eff != TaskPriorityUnspecified {
		return e.pools[eff]
	}
	return e.pools[TaskPriorityMaintenance]
}

// Logger returns the engine logger.
func (e *Engine) Logger() Logger {
	return e.logger
}

// IsClosed reports whether Shutdown or ShutdownGraceful has been called.
func (e *Engine) IsClosed() bool {
	return e.closed.Load()
}

// rejectIfClosed reports a rejected submission and returns true after shutdown.
func (e *Engine) rejectIfClosed(label string) bool {
	if !e.closed.Load() {
		return false
	}
	e.cfg.RejectedTaskHandler.HandleRejectedTask(label, "shutdown")
	e.metrics.RecordTaskRejected(label, "shutdown")
	return true
}

// raiseFatal reports a fatal error that happened off the caller's goroutine.
func (e *Engine) raiseFatal(fe *FatalError) {
	e.logger.Error("fatal dispatch error",
		F("op", fe.Op),
		F("queue", fe.Queue),
		F("error", fe.Err),
	)
	if e.cfg.OnFatal != nil {
		e.cfg.OnFatal(fe)
		return
	}
	panic(fe)
}

func (e *Engine) delays() *DelayManager {
	e.delayOnce.Do(func() {
		e.delay = NewDelayManager()
	})
	return e.delay
}

// Stats returns a snapshot of every worker pool, lowest class first.
func (e *Engine) Stats() []PoolStats {
	out := make([]PoolStats, 0, numPriorities-1)
	for p := TaskPriorityMaintenance; p <= TaskPriorityUserBlocking; p++ {
		out = append(out, e.pools[p].Stats())
	}
	return out
}

// Shutdown rejects new submissions, stops every worker after its current item
// and drops work that has not started.
func (e *Engine) Shutdown() {
	e.closed.Store(true)
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	close(e.done)

	e.eventMu.Lock()
	evs := e.eventQueues
	e.eventQueues = nil
	e.eventMu.Unlock()
	for _, ev := range evs {
		ev.Stop()
	}

	if e.delay != nil {
		e.delay.Stop()
	}
}

// ShutdownGraceful rejects new submissions and waits for queued work to finish
// before stopping. Internal traffic (queue nodes, redirected items) keeps
// flowing while it waits.
func (e *Engine) ShutdownGraceful(timeout time.Duration) error {
	e.closed.Store(true)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if e.idle() {
			e.Shutdown()
			return nil
		}
		if time.Now().After(deadline) {
			e.Shutdown()
			return errors.New("dispatch: shutdown timeout: work still running")
		}
		<-ticker.C
	}
}

func (e *Engine) idle() bool {
	for p := TaskPriorityMaintenance; p <= TaskPriorityUserBlocking; p++ {
		if !e.pools[p].idleNow() {
			return false
		}
	}
	e.eventMu.Lock()
	defer e.eventMu.Unlock()
	for _, ev := range e.eventQueues {
		if ev.pending.Load() > 0 {
			return false
		}
	}
	return true
}

// =============================================================================
// Execution
// =============================================================================

// execute runs one item popped from a list on the calling goroutine.
func (e *Engine) execute(ic *invokeContext, it *workItem) {
	switch it.kind {
	case itemTask:
		e.runTask(ic, it.origin, it.name, it.qos, it.task)
	case itemWaiter:
		// Reached through a context that cannot take over the caller's
		// ownership: run the work here and let the caller return.
		w := it.waiter
		e.runTask(ic, it.origin, it.name, it.qos, w.task)
		w.wake(syncRanOnDrainer, 0)
	case itemQueueNode:
		it.queue.invoke(ic, invokeViaNode)
	case itemOverride:
		it.queue.invoke(ic, 0)
		it.ref.consume()
	case itemSourceNode:
		it.source.invoke(ic, invokeViaNode)
	case itemRedirect:
		e.execute(ic.nested(), it.inner)
		it.from.releaseUnits(1)
		it.ref.consume()
	default:
		fatal(e.logger, "execute", it.label(), ErrInvariant)
	}
}

// runTask runs task with panic recovery, metrics and history.
func (e *Engine) runTask(ic *invokeContext, origin Target, name string, qos TaskPriority, task Task) {
	fr := &taskFrame{target: origin, tracker: ic.tracker, tid: ic.tid, started: time.Now()}
	ctx := context.WithValue(ic.ctx, taskFrameKey, fr)
	label := labelOf(origin)
	panicked := false

	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				panic(fe)
			}
			panicked = true
			e.cfg.PanicHandler.HandlePanic(ctx, label, ic.workerID, r, debug.Stack())
			e.metrics.RecordTaskPanic(label, r)
		}
		finished := time.Now()
		e.metrics.RecordTaskDuration(label, qos, finished.Sub(fr.started))
		if h := historyOf(origin); h != nil {
			h.add(TaskExecutionRecord{
				Name:       resolveTaskName(task, name),
				QueueName:  label,
				QueueKind:  origin.Kind(),
				Priority:   qos,
				WorkerID:   ic.workerID,
				StartedAt:  fr.started,
				FinishedAt: finished,
				Duration:   finished.Sub(fr.started),
				Panicked:   panicked,
			})
		}
	}()

	if task != nil {
		task(ctx)
	}
}

func labelOf(t Target) string {
	if t == nil {
		return ""
	}
	return t.Label()
}

func historyOf(t Target) *executionHistory {
	switch k := t.(type) {
	case *Queue:
		return k.history
	case *EventQueue:
		return k.history
	}
	return nil
}
