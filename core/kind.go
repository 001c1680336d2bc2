package core

import (
	"context"
	"sync/atomic"
	"time"
)

// QueueKind identifies one of the closed set of schedulable kinds.
type QueueKind int

const (
	KindQueue QueueKind = iota
	KindEventQueue
	KindWorkerPool
	KindSource
)

func (k QueueKind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindEventQueue:
		return "event_queue"
	case KindWorkerPool:
		return "worker_pool"
	case KindSource:
		return "source"
	}
	return "kind?"
}

type wakeupFlags uint8

const (
	// wakeupOverride only raises the priority ceiling; no item was pushed.
	wakeupOverride wakeupFlags = 1 << iota
	// wakeupSyncWait means the pushed item is a synchronous waiter.
	wakeupSyncWait
	// wakeupForce re-evaluates enqueueing without a new item (resume, release).
	wakeupForce
)

type invokeFlags uint8

const (
	// invokeViaNode means the caller popped the kind's node from its target and
	// the kind must clear its enqueued mark.
	invokeViaNode invokeFlags = 1 << iota
)

// Target is implemented by the closed set of kinds work can be pushed to:
// *Queue, *EventQueue, *WorkerPool and *Source.
//
// push links an item into the kind's list, wakeup re-evaluates whether the kind
// must be scheduled on its own target (or whether an override must travel up),
// and invoke runs the kind on the calling goroutine.
type Target interface {
	Label() string
	Kind() QueueKind

	push(it *workItem, qos TaskPriority)
	wakeup(qos TaskPriority, flags wakeupFlags)
	invoke(ic *invokeContext, flags invokeFlags)

	// parent is the next kind up the target chain; nil for terminal kinds.
	parent() Target
	addDependent(q *Queue)
	removeDependent(q *Queue)
}

// =============================================================================
// pendingRef: an internal reference that must be consumed exactly once
// =============================================================================

// pendingRef is the internal reference held on a queue while a wakeup (an
// enqueued node, an override item, a redirected item) is in flight.
type pendingRef struct {
	q        *Queue
	consumed atomic.Bool
}

func (q *Queue) takeRef() *pendingRef {
	q.irefs.Add(1)
	return &pendingRef{q: q}
}

func (r *pendingRef) consume() {
	if r == nil {
		return
	}
	if !r.consumed.CompareAndSwap(false, true) {
		fatal(r.q.eng.logger, "consume", r.q.label, ErrInvariant)
	}
	r.q.releaseInternal()
}

// =============================================================================
// priorityTracker: effective priority of a draining goroutine
// =============================================================================

// cur is reset with a plain store while other goroutines raise it, so it uses
// sync/atomic, which the race detector can see.
type priorityTracker struct {
	base TaskPriority
	cur  atomic.Uint64
}

func newPriorityTracker(base TaskPriority) *priorityTracker {
	t := &priorityTracker{base: base}
	t.cur.Store(uint64(base))
	return t
}

// raise lifts the effective priority to at least p and reports whether it moved.
func (t *priorityTracker) raise(p TaskPriority) bool {
	for {
		cur := t.cur.Load()
		if uint64(p) <= cur {
			return false
		}
		if t.cur.CompareAndSwap(cur, uint64(p)) {
			return true
		}
	}
}

// reset drops overrides once the goroutine has no higher work left.
func (t *priorityTracker) reset() {
	t.cur.Store(uint64(t.base))
}

func (t *priorityTracker) effective() TaskPriority {
	return TaskPriority(t.cur.Load())
}

// =============================================================================
// invokeContext: what a drainer carries down the hierarchy
// =============================================================================

type invokeContext struct {
	eng      *Engine
	ctx      context.Context
	tid      uint32
	workerID int
	tracker  *priorityTracker

	// depth is 0 when a pool worker invokes a kind directly. It grows by one
	// for every inline drain or redirect below that.
	depth int

	// contended reports whether the goroutine should give up a long drain.
	contended func() bool
	// preempt reports that higher-priority work is ready on the event queue
	// driving this invocation. Checked at every item boundary.
	preempt func() bool
}

func (ic *invokeContext) nested() *invokeContext {
	c := *ic
	c.depth++
	return &c
}

// shouldYield applies the narrowing policy to a drain that has run items
// for a while.
func (ic *invokeContext) shouldYield(ran int, started time.Time) bool {
	if ic.contended == nil {
		return false
	}
	if ran < ic.eng.cfg.DrainBudget && time.Since(started) < ic.eng.cfg.DrainQuantum {
		return false
	}
	return ic.contended()
}
