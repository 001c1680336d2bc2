package core

import "time"

type stopReason uint8

const (
	stopEmpty stopReason = iota
	stopSuspended
	stopWidthChanged
	stopTargetChanged
	stopYield
	stopWidthFull
	stopBarrierBlocked
	stopHandedOff
	// stopSyncDone: a synchronous caller finished the item it ran as owner.
	stopSyncDone
	// stopShutdown: the engine stopped; items that have not started are dropped.
	stopShutdown
)

func (r stopReason) String() string {
	switch r {
	case stopEmpty:
		return "empty"
	case stopSuspended:
		return "suspended"
	case stopWidthChanged:
		return "width-changed"
	case stopTargetChanged:
		return "target-changed"
	case stopYield:
		return "yield"
	case stopWidthFull:
		return "width-full"
	case stopBarrierBlocked:
		return "barrier-blocked"
	case stopHandedOff:
		return "handed-off"
	case stopSyncDone:
		return "sync-done"
	case stopShutdown:
		return "shutdown"
	}
	return "stop?"
}

// redrainsOnDirty reports whether a DIRTY owner release should look at the
// list again instead of letting go. The other stops give the queue back to its
// target no matter what arrived.
func (r stopReason) redrainsOnDirty() bool {
	return r == stopEmpty || r == stopWidthFull || r == stopBarrierBlocked
}

// drainState is what a drainer knows about the queue it owns.
type drainState struct {
	width        int
	target       Target
	inBarrier    bool
	barrierUnits int
	ran          int
	started      time.Time
}

// invoke drains the queue on the calling goroutine.
//
// Called through the node (invokeViaNode) it first clears ENQUEUED. An
// override item calls it without the flag: the node is still linked on the
// lower pool and will be invoked later, usually to find nothing left.
func (q *Queue) invoke(ic *invokeContext, flags invokeFlags) {
	viaNode := flags&invokeViaNode != 0
	if viaNode {
		ref := q.nodeRef.Swap(nil)
		if ref == nil {
			fatal(q.eng.logger, "invoke", q.label, ErrInvariant)
		}
		q.nodeHost.Store(nil)
		defer ref.consume()
	}
	if !q.tryLockDrain(ic.tid, viaNode) {
		return
	}

	ds := drainState{
		width:   q.Width(),
		target:  q.targetLoad(),
		started: time.Now(),
	}
	child := ic.nested()
	for {
		q.drainer.Store(ic.tracker)
		stop := q.drainItems(ic, child, &ds)
		if stop == stopHandedOff {
			return
		}
		q.drainer.Store(nil)
		if !q.unlockDrain(ic.tid, &ds, stop) {
			break
		}
	}
	if ic.depth == 0 {
		// overrides received while draining no longer apply
		ic.tracker.reset()
	}
}

// tryLockDrain makes tid the owner unless the queue is owned or suspended.
func (q *Queue) tryLockDrain(tid uint32, viaNode bool) bool {
	locked := false
	q.state.transition(func(old uint64) (uint64, bool) {
		locked = false
		s := old
		if viaNode {
			s &^= stEnqueued
		}
		if stOwner(old) != 0 || stSuspended(old) {
			return s, viaNode
		}
		locked = true
		return stWithOwner(s, tid), true
	})
	return locked
}

// drainItems pops and runs items until a stop condition holds.
func (q *Queue) drainItems(ic, child *invokeContext, ds *drainState) stopReason {
	for {
		if q.eng.stopped.Load() {
			return stopShutdown
		}
		s := q.state.load()
		if stSuspended(s) {
			return stopSuspended
		}
		if q.Width() != ds.width {
			return stopWidthChanged
		}
		if q.targetLoad() != ds.target {
			return stopTargetChanged
		}
		ic.tracker.raise(stQoS(s))
		if ic.preempt != nil && ic.preempt() {
			return stopYield
		}
		if ds.ran > 0 && ic.shouldYield(ds.ran, ds.started) {
			return stopYield
		}

		it := q.items.peek()
		if it == nil {
			return stopEmpty
		}

		if it.barrier || ds.width == 1 {
			if !ds.inBarrier && !q.acquireDrainBarrier(ds) {
				return stopBarrierBlocked
			}
			q.popHead(it)
			ds.ran++
			if it.kind == itemWaiter {
				if q.serveBarrierWaiter(ic, child, ds, it) {
					return stopHandedOff
				}
				continue
			}
			q.eng.execute(child, it)
			continue
		}

		if ds.inBarrier {
			q.releaseDrainBarrier(ds)
		}
		if !q.reserveUnit() {
			return stopWidthFull
		}
		q.popHead(it)
		ds.ran++
		if it.kind == itemWaiter && q.serveUnitWaiter(ic, ds, it) {
			continue
		}
		q.redirect(ds.target, it)
	}
}

// serveBarrierWaiter deals with a synchronous waiter popped while the drainer
// holds the barrier. It reports whether ownership went to the waiter.
func (q *Queue) serveBarrierWaiter(ic, child *invokeContext, ds *drainState, it *workItem) bool {
	w := it.waiter
	if !w.claim() {
		return false
	}
	if q.canHandOff(ic, ds) {
		q.handOff(ic.tid, ds, w)
		return true
	}
	q.eng.execute(child, it)
	return false
}

// serveUnitWaiter deals with a non-barrier waiter. The drainer has reserved a
// unit for it. It reports whether the item was fully dealt with here; if not,
// the caller redirects it like any other item.
func (q *Queue) serveUnitWaiter(ic *invokeContext, ds *drainState, it *workItem) bool {
	w := it.waiter
	if !w.claim() {
		q.releaseUnits(1)
		return true
	}
	if q.canHandOff(ic, ds) {
		w.wake(syncUnitTransferred, 1)
		return true
	}
	return false
}

// canHandOff: the waiter may run on its own goroutine only when the drainer
// was invoked straight from a pool, so nothing above q is held on its behalf.
func (q *Queue) canHandOff(ic *invokeContext, ds *drainState) bool {
	if ic.depth != 0 {
		return false
	}
	_, ok := ds.target.(*WorkerPool)
	return ok
}

// handOff makes the waiter the owner of the queue, barrier included.
func (q *Queue) handOff(from uint32, ds *drainState, w *syncWaiter) {
	q.drainer.Store(nil)
	_, _, ok := q.state.transition(func(old uint64) (uint64, bool) {
		if stOwner(old) != from || !stHas(old, stInBarrier) {
			return old, false
		}
		return stWithOwner(old, w.tid) | stUncontendedSync, true
	})
	if !ok {
		fatal(q.eng.logger, "handoff", q.label, ErrInvariant)
	}
	units := ds.barrierUnits
	ds.inBarrier = false
	ds.barrierUnits = 0
	w.wake(syncOwnerTransferred, units)
}

// redirect sends an item of a concurrent queue to target. The wrapper gives
// the unit back when the item finishes.
//
// A queue node travels at the ceiling its queue has reached since it was
// linked, and the queue learns where the node went so that later overrides
// follow it there. The host is published before the ceiling is read: an
// override that raced with the redirect is seen here or finds the new host.
func (q *Queue) redirect(target Target, it *workItem) {
	child := it.nodeQueue()
	if child != nil {
		child.nodeHost.Store(&targetRef{t: target})
	}
	qos := it.currentQoS()
	if child != nil {
		child.raiseNodeQoS(qos)
	}
	w := &workItem{
		kind:   itemRedirect,
		qos:    qos,
		prio:   it.prio,
		inner:  it,
		from:   q,
		origin: it.origin,
		ref:    q.takeRef(),
	}
	target.push(w, qos)
}

// acquireDrainBarrier claims the full width for the owner.
func (q *Queue) acquireDrainBarrier(ds *drainState) bool {
	_, _, ok := q.state.transition(func(old uint64) (uint64, bool) {
		if stWidthInUse(old) != 0 || stHas(old, stInBarrier) {
			return old, false
		}
		return stAddWidth(old, ds.width) | stInBarrier, true
	})
	if ok {
		ds.inBarrier = true
		ds.barrierUnits = ds.width
	}
	return ok
}

func (q *Queue) releaseDrainBarrier(ds *drainState) {
	q.state.transition(func(old uint64) (uint64, bool) {
		return stSubWidth(old, ds.barrierUnits) &^ stInBarrier, true
	})
	ds.inBarrier = false
	ds.barrierUnits = 0
}

// reserveUnit takes one width unit for a non-barrier item.
func (q *Queue) reserveUnit() bool {
	width := q.Width()
	_, _, ok := q.state.transition(func(old uint64) (uint64, bool) {
		if stHas(old, stInBarrier) || stWidthInUse(old) >= width {
			return old, false
		}
		return stAddWidth(old, 1), true
	})
	return ok
}

// releaseUnits gives back units taken by a non-owner (a finished redirected
// item or a synchronous caller). An owner is told through DIRTY; an idle queue
// with work and free width is enqueued right here.
func (q *Queue) releaseUnits(n int) {
	enqueue := false
	broken := false
	_, after, _ := q.state.transition(func(old uint64) (uint64, bool) {
		enqueue, broken = false, false
		if stWidthInUse(old) < n {
			broken = true
			return old, false
		}
		s := stSubWidth(old, n)
		switch {
		case stOwner(s) != 0:
			s |= stDirty
		case !stSuspended(s) && !stHas(s, stEnqueued) && !q.items.empty() && q.canProgress(s):
			s |= stEnqueued
			enqueue = true
		}
		return s, true
	})
	if broken {
		fatal(q.eng.logger, "release", q.label, ErrInvariant)
	}
	if enqueue {
		q.enqueueNode(stQoS(after))
	}
}

// unlockDrain gives up ownership after a drain stopped. It returns true when
// DIRTY was found and the drain must look at the list again.
func (q *Queue) unlockDrain(tid uint32, ds *drainState, stop stopReason) bool {
	retry, enqueue := q.releaseOwner(tid, ds.barrierUnits, ds.inBarrier, stop)
	if retry {
		return true
	}
	ds.inBarrier = false
	ds.barrierUnits = 0
	if enqueue {
		q.enqueueNode(stQoS(q.state.load()))
	}
	return false
}

// releaseOwner is the owner's release: it drops the barrier (if held) and the
// owner id, clearing the per-drain flags. A DIRTY word is first cleared and,
// for stops that depend on the list, reported as retry so the owner looks
// again before it lets go. Otherwise the list is re-read after the word and
// the queue is enqueued when work remains and it can run.
func (q *Queue) releaseOwner(tid uint32, units int, inBarrier bool, stop stopReason) (retry, enqueue bool) {
	broken := false
	q.state.transition(func(old uint64) (uint64, bool) {
		retry, enqueue, broken = false, false, false
		if stOwner(old) != tid {
			broken = true
			return old, false
		}
		if stHas(old, stDirty) && stop.redrainsOnDirty() {
			retry = true
			return old &^ stDirty, true
		}
		s := stWithOwner(old, 0) &^ (stDirty | stReceivedOverride | stReceivedSyncWait | stUncontendedSync)
		if inBarrier {
			s = stSubWidth(s, units) &^ stInBarrier
		}
		switch {
		case q.items.empty():
			s &^= stQoSMask
		case stSuspended(s) || stHas(s, stEnqueued):
		case stop == stopShutdown:
		case stop == stopWidthFull || stop == stopBarrierBlocked:
			// a finishing item re-enqueues the queue
		case q.canProgress(s):
			s |= stEnqueued
			enqueue = true
		}
		return s, true
	})
	if broken {
		fatal(q.eng.logger, "unlock", q.label, ErrInvariant)
	}
	return retry, enqueue
}
