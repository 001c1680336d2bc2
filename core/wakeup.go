package core

import "context"

type wakeAction uint8

const (
	wakeNone wakeAction = iota
	// wakeEnqueue: the queue became runnable and must be pushed on its target.
	wakeEnqueue
	// wakeOverride: the queue sits on its target already but its ceiling rose.
	wakeOverride
	// wakeBoost: the queue is being drained; raise the drainer.
	wakeBoost
)

// canProgress reports whether a drain of a queue in state s could start an item.
func (q *Queue) canProgress(s uint64) bool {
	return !stHas(s, stInBarrier) && stWidthInUse(s) < q.Width()
}

// wakeup is called after an item was pushed or after a state change that may
// have made the queue runnable or raised its priority ceiling.
//
// While someone owns the queue only DIRTY is set: the owner re-reads the list
// before it lets go. Otherwise the first wakeup that finds the queue idle,
// runnable and not yet enqueued sets ENQUEUED and pushes the node.
func (q *Queue) wakeup(qos TaskPriority, flags wakeupFlags) {
	var act wakeAction
	_, after, _ := q.state.transition(func(old uint64) (uint64, bool) {
		act = wakeNone
		s := stMergeQoS(old, qos)
		raised := stQoS(s) > stQoS(old)
		if flags&wakeupSyncWait != 0 {
			s |= stReceivedSyncWait
		}
		switch {
		case stOwner(old) != 0:
			s |= stDirty
			if raised {
				s |= stReceivedOverride
				act = wakeBoost
			}
		case stSuspended(old):
		case stHas(old, stEnqueued):
			if raised {
				act = wakeOverride
			}
		case !q.items.empty() && q.canProgress(old):
			s |= stEnqueued
			act = wakeEnqueue
		}
		return s, true
	})

	switch act {
	case wakeEnqueue:
		q.enqueueNode(stQoS(after))
	case wakeOverride:
		q.eng.metrics.RecordPriorityOverride(q.label, qos)
		q.forwardOverride(qos)
	case wakeBoost:
		q.eng.metrics.RecordPriorityOverride(q.label, qos)
		if t := q.drainer.Load(); t != nil {
			t.raise(qos)
		}
	}
}

// enqueueNode pushes the queue onto its target. The caller has just set
// ENQUEUED, which makes it the only goroutine allowed to do so.
func (q *Queue) enqueueNode(qos TaskPriority) {
	if q.disposed.Load() {
		fatal(q.eng.logger, "enqueue", q.label, ErrInvariant)
	}
	if prev := q.nodeRef.Swap(q.takeRef()); prev != nil {
		fatal(q.eng.logger, "enqueue", q.label, ErrInvariant)
	}
	if qos == TaskPriorityUnspecified {
		qos = q.def.Priority
	}
	q.nodeHost.Store(nil)
	q.nodeQoS.Store(uint64(qos))
	q.node.qos = qos
	q.targetLoad().push(&q.node, qos)
}

// raiseNodeQoS records that the node now stands for work at p. It reports
// false when the node already did.
func (q *Queue) raiseNodeQoS(p TaskPriority) bool {
	for {
		cur := q.nodeQoS.Load()
		if uint64(p) <= cur {
			return false
		}
		if q.nodeQoS.CompareAndSwap(cur, uint64(p)) {
			return true
		}
	}
}

// forwardOverride tells whoever holds the enqueued node that it now stands for
// higher-priority work. That is the target, or the kind a concurrent target
// redirected the node to. A queue merges the override into its own word; a
// pool or event queue cannot reorder the node it holds, so it gets an override
// item at the new priority that drains the queue early.
func (q *Queue) forwardOverride(qos TaskPriority) {
	host := q.targetLoad()
	if h := q.nodeHost.Load(); h != nil {
		host = h.t
	}
	switch t := host.(type) {
	case *Queue:
		t.wakeup(qos, wakeupOverride)
	case *WorkerPool, *EventQueue:
		if !q.raiseNodeQoS(qos) {
			return
		}
		it := &workItem{
			kind:   itemOverride,
			qos:    qos,
			queue:  q,
			origin: q,
			ref:    q.takeRef(),
		}
		t.push(it, qos)
	default:
		t.wakeup(qos, wakeupOverride)
	}
}

// =============================================================================
// Retarget
// =============================================================================

// SetTarget changes where the queue forwards its work. A nil target restores
// the default pool.
//
// An inactive or suspended queue is retargeted right away. On a running queue
// the change is applied by an internal barrier item; the drain notices and
// re-enqueues the queue on its new target. With StrictRetarget, retargeting an
// activated queue that other queues target is a fatal error, as is creating a
// cycle.
func (q *Queue) SetTarget(t Target) {
	if t == nil {
		t = q.eng.defaultTarget(q.prio)
	}
	q.checkCycle(t)

	s := q.state.load()
	if stHas(s, stActivated) && *q.eng.cfg.StrictRetarget && q.dependents.Load() > 0 {
		fatal(q.eng.logger, "SetTarget", q.label, ErrRetargetShared)
	}
	if stHas(s, stInactive) {
		q.sideMu.Lock()
		q.target.Store(&targetRef{t: t})
		q.sideMu.Unlock()
		return
	}
	if stSuspended(s) {
		q.swapTarget(t)
		return
	}
	q.pushInternalBarrier("set-target", func(context.Context) {
		q.swapTarget(t)
	})
}

func (q *Queue) swapTarget(t Target) {
	q.sideMu.Lock()
	old := q.target.Swap(&targetRef{t: t}).t
	q.sideMu.Unlock()
	if old == t {
		return
	}
	t.addDependent(q)
	old.removeDependent(q)
}

// checkCycle rejects t when q is reachable from it, and rejects sources,
// which carry no items.
func (q *Queue) checkCycle(t Target) {
	if t.Kind() == KindSource {
		fatal(q.eng.logger, "SetTarget", q.label, ErrBadTarget)
	}
	for cur := t; cur != nil; cur = cur.parent() {
		if cur == Target(q) {
			fatal(q.eng.logger, "SetTarget", q.label, ErrTargetCycle)
		}
	}
}
