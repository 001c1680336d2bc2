package core

import (
	"context"
	"sync/atomic"
)

// syncMode tells a woken waiter what the drainer left it to do.
type syncMode uint8

const (
	// syncRanOnDrainer: the work already ran on the drainer's goroutine.
	syncRanOnDrainer syncMode = iota
	// syncOwnerTransferred: the waiter owns the queue with the barrier held
	// and must run the work and unlock.
	syncOwnerTransferred
	// syncUnitTransferred: the waiter holds one width unit and must run the
	// work and give the unit back.
	syncUnitTransferred
)

const (
	waiterPending int32 = iota
	waiterClaimed
	waiterAbandoned
)

// syncWaiter is the blocked half of a synchronous submission.
type syncWaiter struct {
	tid   uint32
	task  Task
	state atomic.Int32
	done  chan struct{}

	// written before done is closed
	mode  syncMode
	units int
}

func newSyncWaiter(tid uint32, task Task) *syncWaiter {
	return &syncWaiter{tid: tid, task: task, done: make(chan struct{})}
}

// claim is called by the drainer that reached the waiter. It fails when the
// caller gave up first.
func (w *syncWaiter) claim() bool {
	return w.state.CompareAndSwap(waiterPending, waiterClaimed)
}

// abandon is called by a caller whose context ended. It fails when a drainer
// claimed the waiter first; the caller must then wait for it.
func (w *syncWaiter) abandon() bool {
	return w.state.CompareAndSwap(waiterPending, waiterAbandoned)
}

func (w *syncWaiter) wake(mode syncMode, units int) {
	w.mode = mode
	w.units = units
	close(w.done)
}

// syncHold is one level of a target chain acquired by a synchronous caller.
type syncHold struct {
	q       *Queue
	barrier bool
	units   int
}

// =============================================================================
// Public API
// =============================================================================

// SubmitAndWait runs task on the queue and returns once it has finished.
//
// When the queue and every queue above it are idle, task runs inline on the
// caller's goroutine. Otherwise the caller parks until a drainer reaches its
// item; the drainer then either hands the queue over and the task runs on the
// caller, or runs the task itself. Calling it for a queue the calling goroutine
// already owns is a fatal error.
func (q *Queue) SubmitAndWait(ctx context.Context, task Task) {
	_ = q.submitSync(ctx, task, q.def, false)
}

// SubmitBarrierAndWait is SubmitAndWait with the barrier trait.
func (q *Queue) SubmitBarrierAndWait(ctx context.Context, task Task) {
	traits := q.def
	traits.Barrier = true
	_ = q.submitSync(ctx, task, traits, false)
}

// SubmitAndWaitWithTraits is SubmitAndWait with explicit traits.
func (q *Queue) SubmitAndWaitWithTraits(ctx context.Context, task Task, traits TaskTraits) {
	_ = q.submitSync(ctx, task, traits, false)
}

// SubmitAndWaitContext is SubmitAndWait bounded by ctx. If ctx ends before a
// drainer reaches the item, the item is skipped and ctx.Err() returned. Once
// the item has started the call waits for it regardless of ctx.
func (q *Queue) SubmitAndWaitContext(ctx context.Context, task Task) error {
	return q.submitSync(ctx, task, q.def, true)
}

func (q *Queue) submitSync(ctx context.Context, task Task, traits TaskTraits, bounded bool) error {
	if q.eng.rejectIfClosed(q.label) {
		return ErrEngineClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	traits = q.resolveTraits(traits)
	tid := currentOwnerID()
	q.checkReentrant(ctx, tid, traits.Barrier)

	q.irefs.Add(1)
	defer q.releaseInternal()

	prio := traits.priority()
	qos := maxPriority(prio.Effective(), q.prio.Floor)

	var buf [4]syncHold
	if holds, ok := q.trySyncFastPath(tid, traits.Barrier, buf[:0]); ok {
		q.runSync(ctx, tid, task, traits.Name, qos)
		releaseHolds(tid, holds)
		return nil
	}

	w := newSyncWaiter(tid, task)
	q.push(&workItem{
		kind:    itemWaiter,
		barrier: traits.Barrier,
		qos:     qos,
		prio:    prio,
		name:    traits.Name,
		waiter:  w,
		origin:  q,
	}, qos)

	var ctxDone <-chan struct{}
	if bounded {
		ctxDone = ctx.Done()
	}
	select {
	case <-w.done:
	case <-ctxDone:
		if w.abandon() {
			return ctx.Err()
		}
		<-w.done
	case <-q.eng.done:
		// no drainer will reach the item once the engine stopped
		if w.abandon() {
			q.eng.rejectIfClosed(q.label)
			return ErrEngineClosed
		}
		<-w.done
	}

	switch w.mode {
	case syncOwnerTransferred:
		q.runSync(ctx, tid, task, traits.Name, qos)
		q.syncUnlock(tid, w.units)
	case syncUnitTransferred:
		q.runSync(ctx, tid, task, traits.Name, qos)
		q.releaseUnits(w.units)
	}
	return nil
}

// checkReentrant turns the deadlocks a synchronous submission would cause into
// fatal errors: a queue of the chain owned by the caller, or a barrier on a
// queue the caller is running an item of.
func (q *Queue) checkReentrant(ctx context.Context, tid uint32, barrier bool) {
	for t := Target(q); t != nil; t = t.parent() {
		var s uint64
		switch k := t.(type) {
		case *Queue:
			s = k.state.load()
		case *EventQueue:
			s = k.state.load()
		default:
			continue
		}
		if stOwner(s) == tid {
			fatal(q.eng.logger, "SubmitAndWait", t.Label(), ErrReentrantAcquire)
		}
	}
	if (barrier || q.Width() == 1) && q.onChain(ctx) {
		fatal(q.eng.logger, "SubmitAndWait", q.label, ErrReentrantAcquire)
	}
}

// trySyncFastPath acquires every queue from q up to its pool: the barrier on
// serial levels (and on q for a barrier submission), one unit on concurrent
// levels. Each level must be idle with an empty list. On failure nothing stays
// acquired.
func (q *Queue) trySyncFastPath(tid uint32, barrier bool, holds []syncHold) ([]syncHold, bool) {
	for t := Target(q); ; t = t.parent() {
		switch k := t.(type) {
		case *WorkerPool:
			return holds, true
		case *Queue:
			var h syncHold
			var ok bool
			if k.Width() == 1 || (k == q && barrier) {
				h, ok = k.trySyncBarrier(tid)
			} else {
				h, ok = k.trySyncUnit()
			}
			if !ok {
				releaseHolds(tid, holds)
				return nil, false
			}
			holds = append(holds, h)
		default:
			// event-bound chains run on their loop
			releaseHolds(tid, holds)
			return nil, false
		}
	}
}

func (q *Queue) trySyncBarrier(tid uint32) (syncHold, bool) {
	width := q.Width()
	_, _, ok := q.state.transition(func(old uint64) (uint64, bool) {
		if stOwner(old) != 0 || stSuspended(old) || stHas(old, stInBarrier) ||
			stWidthInUse(old) != 0 || !q.items.empty() {
			return old, false
		}
		return stAddWidth(stWithOwner(old, tid), width) | stInBarrier | stUncontendedSync, true
	})
	return syncHold{q: q, barrier: true, units: width}, ok
}

func (q *Queue) trySyncUnit() (syncHold, bool) {
	width := q.Width()
	_, _, ok := q.state.transition(func(old uint64) (uint64, bool) {
		if stSuspended(old) || stHas(old, stInBarrier) ||
			stWidthInUse(old) >= width || !q.items.empty() {
			return old, false
		}
		return stAddWidth(old, 1), true
	})
	return syncHold{q: q, units: 1}, ok
}

// releaseHolds gives back a chain bottom-up. A level that gained work while
// held is enqueued on its target, or left to its current owner through DIRTY.
func releaseHolds(tid uint32, holds []syncHold) {
	for _, h := range holds {
		if h.barrier {
			h.q.syncUnlock(tid, h.units)
		} else {
			h.q.releaseUnits(h.units)
		}
	}
}

// syncUnlock releases ownership held by a synchronous caller.
func (q *Queue) syncUnlock(tid uint32, units int) {
	if _, enqueue := q.releaseOwner(tid, units, true, stopSyncDone); enqueue {
		q.enqueueNode(stQoS(q.state.load()))
	}
}

// runSync runs the task of a synchronous submission on the caller.
func (q *Queue) runSync(ctx context.Context, tid uint32, task Task, name string, qos TaskPriority) {
	ic := &invokeContext{
		eng:      q.eng,
		ctx:      ctx,
		tid:      tid,
		workerID: -1,
		tracker:  newPriorityTracker(qos),
	}
	q.eng.runTask(ic, q, name, qos, task)
}
