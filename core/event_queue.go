package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
)

// EventQueue is a serial kind bound to one goroutine at a time: either its own
// loop (Start) or a caller that pumps it (RunOnce, Run). It keeps one list per
// QoS class and always runs the highest ready item first. Queues targeting an
// EventQueue yield back to it at item boundaries when higher-priority work
// arrives.
type EventQueue struct {
	eng   *Engine
	label string
	def   TaskTraits

	state   stateWord
	buckets [numPriorities]itemList
	pending atomic.Int64
	current atomic.Uint64

	dependents atomic.Int32
	history    *executionHistory

	wake chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewEventQueue creates an event queue. It does nothing until Start is called
// or a caller pumps it with RunOnce or Run.
func (e *Engine) NewEventQueue(label string) *EventQueue {
	ev := &EventQueue{
		eng:     e,
		label:   label,
		def:     DefaultTaskTraits(),
		wake:    make(chan struct{}, 1),
		history: newExecutionHistory(defaultTaskHistoryCapacity),
	}
	ev.state.v.Store(stWithRole(stActivated, roleEventBase))

	e.eventMu.Lock()
	e.eventQueues = append(e.eventQueues, ev)
	e.eventMu.Unlock()
	return ev
}

func (ev *EventQueue) Label() string   { return ev.label }
func (ev *EventQueue) Kind() QueueKind { return KindEventQueue }
func (ev *EventQueue) parent() Target  { return nil }

func (ev *EventQueue) addDependent(q *Queue)    { ev.dependents.Add(1) }
func (ev *EventQueue) removeDependent(q *Queue) { ev.dependents.Add(-1) }

// Submit enqueues task at the default class.
func (ev *EventQueue) Submit(task Task) {
	ev.SubmitWithTraits(task, ev.def)
}

// SubmitWithTraits enqueues task in the bucket of its class.
func (ev *EventQueue) SubmitWithTraits(task Task, traits TaskTraits) {
	if ev.eng.rejectIfClosed(ev.label) {
		return
	}
	if traits.Priority == TaskPriorityUnspecified {
		traits.Priority = ev.def.Priority
	}
	prio := traits.priority()
	ev.push(&workItem{
		kind:   itemTask,
		qos:    prio.Effective(),
		prio:   prio,
		name:   traits.Name,
		task:   task,
		origin: ev,
	}, prio.Effective())
}

// SubmitAfter enqueues task once delay has elapsed.
func (ev *EventQueue) SubmitAfter(delay time.Duration, task Task) {
	if ev.eng.rejectIfClosed(ev.label) {
		return
	}
	ev.eng.delays().Schedule(task, delay, ev.def, ev)
}

// SubmitAndWait runs task on the event queue's goroutine and returns when it
// has finished. Calling it from that goroutine is a fatal error.
func (ev *EventQueue) SubmitAndWait(ctx context.Context, task Task) {
	if ev.eng.rejectIfClosed(ev.label) {
		return
	}
	tid := currentOwnerID()
	if stOwner(ev.state.load()) == tid {
		fatal(ev.eng.logger, "SubmitAndWait", ev.label, ErrReentrantAcquire)
	}
	if cur := CurrentQueue(ctx); cur == Target(ev) {
		fatal(ev.eng.logger, "SubmitAndWait", ev.label, ErrReentrantAcquire)
	}
	prio := ev.def.priority()
	w := newSyncWaiter(tid, task)
	ev.push(&workItem{
		kind:   itemWaiter,
		qos:    prio.Effective(),
		prio:   prio,
		waiter: w,
		origin: ev,
	}, prio.Effective())
	select {
	case <-w.done:
	case <-ev.eng.done:
		if w.abandon() {
			ev.eng.rejectIfClosed(ev.label)
			return
		}
		<-w.done
	}
}

func (ev *EventQueue) push(it *workItem, qos TaskPriority) {
	if qos == TaskPriorityUnspecified {
		qos = ev.def.Priority
	}
	qos = clampPriority(qos)
	ev.pending.Add(1)
	ev.buckets[qos].push(it)
	ev.wakeup(qos, 0)
}

// wakeup tells the owner (through DIRTY) or the pumping goroutine (through the
// wake channel) that there is work.
func (ev *EventQueue) wakeup(qos TaskPriority, flags wakeupFlags) {
	signal := false
	_, _, _ = ev.state.transition(func(old uint64) (uint64, bool) {
		signal = false
		s := stMergeQoS(old, qos)
		switch {
		case stOwner(old) != 0:
			s |= stDirty
		case !stHas(old, stEnqueuedOnManager):
			s |= stEnqueuedOnManager
			signal = true
		}
		return s, true
	})
	if signal {
		select {
		case ev.wake <- struct{}{}:
		default:
		}
	}
}

// invoke drains every ready item, highest class first.
func (ev *EventQueue) invoke(ic *invokeContext, flags invokeFlags) {
	if !ev.tryLock(ic.tid) {
		return
	}
	for {
		ev.drain(ic)
		if !ev.unlock(ic.tid) {
			return
		}
	}
}

func (ev *EventQueue) drain(ic *invokeContext) int {
	ran := 0
	for !ev.eng.stopped.Load() {
		it, qos := ev.popHighest()
		if it == nil {
			break
		}
		if it.kind == itemWaiter && !it.waiter.claim() {
			continue
		}
		ev.current.Store(uint64(qos))
		ic.tracker.reset()
		ic.tracker.raise(qos)
		ev.eng.execute(ic, it)
		ran++
	}
	ev.current.Store(0)
	return ran
}

func (ev *EventQueue) tryLock(tid uint32) bool {
	_, _, ok := ev.state.transition(func(old uint64) (uint64, bool) {
		if stOwner(old) != 0 {
			return old, false
		}
		return stWithOwner(old, tid) &^ stEnqueuedOnManager, true
	})
	return ok
}

// unlock gives up ownership, or reports that items arrived during the drain.
func (ev *EventQueue) unlock(tid uint32) (retry bool) {
	_, _, _ = ev.state.transition(func(old uint64) (uint64, bool) {
		retry = false
		if stHas(old, stDirty) {
			retry = true
			return old &^ stDirty, true
		}
		s := stWithOwner(old, 0)
		if ev.pending.Load() == 0 {
			s &^= stQoSMask
		}
		return s, true
	})
	return retry
}

// popHighest pops the head of the highest non-empty bucket.
func (ev *EventQueue) popHighest() (*workItem, TaskPriority) {
	for p := TaskPriorityUserBlocking; p > TaskPriorityUnspecified; p-- {
		if it := ev.buckets[p].pop(); it != nil {
			ev.pending.Add(-1)
			return it, p
		}
	}
	return nil, TaskPriorityUnspecified
}

// higherReady reports that an item above the class being run is waiting.
func (ev *EventQueue) higherReady() bool {
	cur := TaskPriority(ev.current.Load())
	for p := TaskPriorityUserBlocking; p > cur; p-- {
		if !ev.buckets[p].empty() {
			return true
		}
	}
	return false
}

// =============================================================================
// Pumping
// =============================================================================

func (ev *EventQueue) newInvokeContext(ctx context.Context) *invokeContext {
	return &invokeContext{
		eng:      ev.eng,
		ctx:      ctx,
		tid:      currentOwnerID(),
		workerID: -1,
		tracker:  newPriorityTracker(ev.def.Priority),
		preempt:  ev.higherReady,
	}
}

// RunOnce runs every item ready now on the calling goroutine. It returns
// iox.ErrWouldBlock when nothing was ready or another goroutine is pumping.
func (ev *EventQueue) RunOnce() error {
	return ev.runOnce(ev.newInvokeContext(ev.eng.ctx))
}

func (ev *EventQueue) runOnce(ic *invokeContext) error {
	if ev.eng.stopped.Load() {
		return ErrEngineClosed
	}
	if !ev.tryLock(ic.tid) {
		return iox.ErrWouldBlock
	}
	ran := 0
	for {
		ran += ev.drain(ic)
		if !ev.unlock(ic.tid) {
			break
		}
	}
	if ran == 0 {
		return iox.ErrWouldBlock
	}
	return nil
}

// Run pumps the queue on the calling goroutine until ctx ends or the engine
// shuts down.
func (ev *EventQueue) Run(ctx context.Context) error {
	ic := ev.newInvokeContext(ctx)
	var backoff iox.Backoff
	for {
		err := ev.runOnce(ic)
		switch {
		case err == nil:
			backoff.Reset()
			continue
		case !iox.IsWouldBlock(err):
			return err
		case ev.pending.Load() > 0:
			// items are queued but another goroutine holds the queue
			backoff.Wait()
			continue
		}
		select {
		case <-ev.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-ev.eng.done:
			return ErrEngineClosed
		}
	}
}

// Start binds the queue to a new goroutine. Starting a started queue does nothing.
func (ev *EventQueue) Start() {
	ev.runMu.Lock()
	defer ev.runMu.Unlock()
	if ev.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ev.eng.ctx)
	ev.cancel = cancel
	ev.stopped = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := ev.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrEngineClosed) {
			ev.eng.logger.Warn("event queue loop exited", F("queue", ev.label), F("error", err.Error()))
		}
	}(ev.stopped)
}

// Stop ends the loop started by Start and waits for the current item.
func (ev *EventQueue) Stop() {
	ev.runMu.Lock()
	cancel, done := ev.cancel, ev.stopped
	ev.cancel, ev.stopped = nil, nil
	ev.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if stOwner(ev.state.load()) == currentOwnerID() {
		return
	}
	<-done
}

// Stats returns a snapshot of the event queue.
func (ev *EventQueue) Stats() QueueStats {
	s := ev.state.load()
	return QueueStats{
		Label:    ev.label,
		Kind:     KindEventQueue,
		Role:     stRole(s).String(),
		Width:    1,
		Enqueued: stHas(s, stEnqueuedOnManager),
		Draining: stOwner(s) != 0,
		Pending:  int(ev.pending.Load()),
		MaxQoS:   stQoS(s),
		Targeted: int(ev.dependents.Load()),
		State:    stString(s),
	}
}

// RecentTasks returns up to limit executions, newest first.
func (ev *EventQueue) RecentTasks(limit int) []TaskExecutionRecord {
	return ev.history.recent(limit)
}
