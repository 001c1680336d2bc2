package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Queue is a serial (width 1) or concurrent (width N) queue of work items.
//
// Items are pushed onto a lock-free list; the queue itself is pushed onto its
// target (another Queue, an EventQueue or a WorkerPool) whenever it has work
// and is runnable. Serial queues and barrier items run inline on the goroutine
// that drains the queue. Other items of a concurrent queue are redirected to
// the target, so every level of a hierarchy applies its own width.
type Queue struct {
	eng   *Engine
	label string
	prio  Priority
	def   TaskTraits

	state stateWord
	items itemList
	node  workItem

	width   atomic.Int32
	target  atomic.Pointer[targetRef]
	nodeRef atomic.Pointer[pendingRef]
	nodeQoS atomic.Uint64
	// nodeHost is where a concurrent target redirected the node; nil while
	// the node sits on the target itself.
	nodeHost atomic.Pointer[targetRef]
	drainer  atomic.Pointer[priorityTracker]
	pending  atomic.Int64

	erefs      atomic.Int32
	irefs      atomic.Int32
	dependents atomic.Int32
	disposed   atomic.Bool

	// side lock: suspend overflow, retarget of a mutable queue, specifics
	sideMu      sync.Mutex
	sideSuspend int
	specific    map[any]any
	finalizer   func()

	history *executionHistory
}

type targetRef struct {
	t Target
}

// =============================================================================
// Options
// =============================================================================

type queueOptions struct {
	width    int
	target   Target
	prio     Priority
	inactive bool
	history  int
}

// QueueOption configures a queue at creation.
type QueueOption func(*queueOptions)

// WithWidth sets the number of items that may run at once (1 = serial).
func WithWidth(n int) QueueOption {
	return func(o *queueOptions) { o.width = n }
}

// Serial is WithWidth(1), the default.
func Serial() QueueOption {
	return WithWidth(1)
}

// Concurrent is WithWidth(n).
func Concurrent(n int) QueueOption {
	return WithWidth(n)
}

// WithTarget sets the queue the new queue forwards its work to.
func WithTarget(t Target) QueueOption {
	return func(o *queueOptions) { o.target = t }
}

// WithPriority sets the queue's QoS class and relative offset. Items submitted
// without a priority inherit it.
func WithPriority(p TaskPriority, relative int) QueueOption {
	return func(o *queueOptions) {
		o.prio.QoS = clampPriority(p)
		o.prio.Relative = normalizeRelative(relative)
	}
}

// WithPriorityFloor makes p the lowest class any item of the queue runs at.
func WithPriorityFloor(p TaskPriority) QueueOption {
	return func(o *queueOptions) { o.prio.Floor = clampPriority(p) }
}

// Inactive creates the queue inactive: nothing runs until Activate.
func Inactive() QueueOption {
	return func(o *queueOptions) { o.inactive = true }
}

// WithHistory sets how many executions RecentTasks keeps (0 disables it).
func WithHistory(n int) QueueOption {
	return func(o *queueOptions) { o.history = n }
}

// NewQueue creates a queue. Without options it is a serial, active queue that
// targets the engine's pools.
func (e *Engine) NewQueue(label string, opts ...QueueOption) *Queue {
	o := queueOptions{width: 1, history: defaultTaskHistoryCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.width < 1 || o.width > MaxQueueWidth {
		fatal(e.logger, "NewQueue", label, ErrWidthRange)
	}

	q := &Queue{
		eng:     e,
		label:   label,
		prio:    o.prio,
		history: newExecutionHistory(o.history),
	}
	q.node = workItem{kind: itemQueueNode, queue: q, origin: q}
	q.def = DefaultTaskTraits()
	if eff := o.prio.Effective(); eff != TaskPriorityUnspecified {
		q.def.Priority = eff
	}
	q.def.Relative = int(o.prio.Relative)
	q.width.Store(int32(o.width))
	q.erefs.Store(1)
	q.irefs.Store(1)

	t := o.target
	if t == nil {
		t = e.defaultTarget(o.prio)
	}
	q.target.Store(&targetRef{t: t})

	if o.inactive {
		q.state.v.Store(stWithRole(stInactive, roleLeaf))
		return q
	}
	q.checkCycle(t)
	t.addDependent(q)
	q.state.v.Store(stWithRole(stActivated, roleLeaf))
	return q
}

func (q *Queue) Label() string   { return q.label }
func (q *Queue) Kind() QueueKind { return KindQueue }

// Width returns the configured width.
func (q *Queue) Width() int {
	return int(q.width.Load())
}

// Target returns the current target.
func (q *Queue) Target() Target {
	return q.targetLoad()
}

func (q *Queue) targetLoad() Target {
	return q.target.Load().t
}

func (q *Queue) parent() Target {
	return q.targetLoad()
}

// Priority returns the queue's priority descriptor.
func (q *Queue) Priority() Priority {
	return q.prio
}

// =============================================================================
// Asynchronous submission
// =============================================================================

// Submit enqueues task with the queue's default traits.
func (q *Queue) Submit(task Task) {
	q.SubmitWithTraits(task, q.def)
}

// SubmitWithTraits enqueues task. It never blocks.
func (q *Queue) SubmitWithTraits(task Task, traits TaskTraits) {
	if q.eng.rejectIfClosed(q.label) {
		return
	}
	q.pushTask(task, q.resolveTraits(traits))
}

// SubmitBarrier enqueues task as a barrier: it starts after every earlier item
// has finished and no later item starts before it finishes.
func (q *Queue) SubmitBarrier(task Task) {
	traits := q.def
	traits.Barrier = true
	q.SubmitWithTraits(task, traits)
}

// SubmitNamed enqueues task under name for task history.
func (q *Queue) SubmitNamed(name string, task Task) {
	traits := q.def
	traits.Name = name
	q.SubmitWithTraits(task, traits)
}

// SubmitWorkItem enqueues a one-shot work item.
func (q *Queue) SubmitWorkItem(w *WorkItem) {
	q.SubmitWithTraits(w.run, w.traits)
}

// SubmitAfter enqueues task once delay has elapsed.
func (q *Queue) SubmitAfter(delay time.Duration, task Task) {
	q.SubmitAfterWithTraits(delay, task, q.def)
}

func (q *Queue) SubmitAfterWithTraits(delay time.Duration, task Task, traits TaskTraits) {
	if q.eng.rejectIfClosed(q.label) {
		return
	}
	q.eng.delays().Schedule(task, delay, traits, q)
}

// Apply runs fn(0..n-1) on the queue and returns when all calls are done.
// On a serial queue, or from a goroutine that already owns the queue, the
// calls run inline one after another. Apply returns early when the engine
// shuts down; calls that had not started by then do not run.
func (q *Queue) Apply(ctx context.Context, n int, fn func(i int)) {
	if n <= 0 || q.eng.rejectIfClosed(q.label) {
		return
	}
	if q.Width() == 1 || stOwner(q.state.load()) == currentOwnerID() || q.onChain(ctx) {
		for i := range n {
			fn(i)
		}
		return
	}
	var left atomic.Int64
	left.Store(int64(n))
	done := make(chan struct{})
	for i := range n {
		q.pushTask(func(context.Context) {
			defer func() {
				if left.Add(-1) == 0 {
					close(done)
				}
			}()
			fn(i)
		}, q.def)
	}
	select {
	case <-done:
	case <-q.eng.done:
	}
}

func (q *Queue) resolveTraits(t TaskTraits) TaskTraits {
	if t.Priority == TaskPriorityUnspecified {
		t.Priority = q.def.Priority
	}
	return t
}

func (q *Queue) pushTask(task Task, traits TaskTraits) {
	prio := traits.priority()
	qos := maxPriority(prio.Effective(), q.prio.Floor)
	it := &workItem{
		kind:    itemTask,
		barrier: traits.Barrier,
		qos:     qos,
		prio:    prio,
		name:    traits.Name,
		task:    task,
		origin:  q,
	}
	q.push(it, qos)
}

// push links it into the list and wakes the queue.
func (q *Queue) push(it *workItem, qos TaskPriority) {
	n := q.pending.Add(1)
	q.items.push(it)
	q.eng.metrics.RecordQueueDepth(q.label, int(n))

	var flags wakeupFlags
	if it.kind == itemWaiter {
		flags |= wakeupSyncWait
	}
	q.wakeup(qos, flags)
}

// popHead removes the item the drainer just peeked.
func (q *Queue) popHead(want *workItem) {
	if got := q.items.pop(); got != want {
		fatal(q.eng.logger, "pop", q.label, ErrInvariant)
	}
	q.pending.Add(-1)
}

// =============================================================================
// Activation and suspension
// =============================================================================

// Activate binds the target of an inactive queue and lets it run. Activating an
// active queue does nothing.
func (q *Queue) Activate() {
	_, _, ok := q.state.transition(func(old uint64) (uint64, bool) {
		if !stHas(old, stInactive) {
			return old, false
		}
		return old&^stInactive | stActivating, true
	})
	if !ok {
		return
	}

	q.sideMu.Lock()
	t := q.targetLoad()
	q.sideMu.Unlock()
	q.checkCycle(t)
	t.addDependent(q)

	q.state.transition(func(old uint64) (uint64, bool) {
		return old&^stActivating | stActivated, true
	})
	q.wakeup(TaskPriorityUnspecified, wakeupForce)
}

// IsActive reports whether the queue has been activated.
func (q *Queue) IsActive() bool {
	return stHas(q.state.load(), stActivated)
}

// Suspend stops the queue from starting new items until a matching Resume.
// Items already running are not interrupted.
func (q *Queue) Suspend() {
	_, _, ok := q.state.transition(func(old uint64) (uint64, bool) {
		if stSuspendCount(old) == stMaxInlineSuspend {
			return old, false
		}
		return old + stSuspendInterval, true
	})
	if ok {
		return
	}
	q.suspendSlow()
}

// suspendSlow moves half of the inline count to the side lock.
func (q *Queue) suspendSlow() {
	q.sideMu.Lock()
	defer q.sideMu.Unlock()

	var moved bool
	q.state.transition(func(old uint64) (uint64, bool) {
		moved = false
		if stSuspendCount(old) < stMaxInlineSuspend {
			return old + stSuspendInterval, true
		}
		moved = true
		s := old - sideSuspendChunk*stSuspendInterval + stSuspendInterval
		return s | stHasSideSuspend, true
	})
	if !moved {
		return
	}
	if q.sideSuspend > int(^uint32(0)>>1)-sideSuspendChunk {
		fatal(q.eng.logger, "Suspend", q.label, ErrSuspendOverflow)
	}
	q.sideSuspend += sideSuspendChunk
}

// Resume undoes one Suspend. Resuming an inactive queue, or resuming more
// often than suspending, is a fatal error.
func (q *Queue) Resume() {
	const (
		resumed = iota
		needSide
		overResume
		inactive
	)
	var res int
	q.state.transition(func(old uint64) (uint64, bool) {
		switch {
		case stSuspendCount(old) > 0:
			res = resumed
			s := old - stSuspendInterval
			if stOwner(s) != 0 {
				s |= stDirty
			}
			return s, true
		case stHas(old, stHasSideSuspend):
			res = needSide
		case stHas(old, stInactive):
			res = inactive
		default:
			res = overResume
		}
		return old, false
	})

	switch res {
	case needSide:
		q.resumeSlow()
	case inactive:
		fatal(q.eng.logger, "Resume", q.label, ErrResumeInactive)
	case overResume:
		fatal(q.eng.logger, "Resume", q.label, ErrOverResume)
	}
	q.wakeup(TaskPriorityUnspecified, wakeupForce)
}

// resumeSlow brings a chunk of count back from the side lock and applies the resume.
func (q *Queue) resumeSlow() {
	q.sideMu.Lock()
	defer q.sideMu.Unlock()

	var res int
	q.state.transition(func(old uint64) (uint64, bool) {
		res = 0
		if stSuspendCount(old) > 0 {
			return old - stSuspendInterval, true
		}
		if q.sideSuspend == 0 {
			res = 1
			return old, false
		}
		res = 2
		s := old + (sideSuspendChunk-1)*stSuspendInterval
		if q.sideSuspend == sideSuspendChunk {
			s &^= stHasSideSuspend
		}
		return s, true
	})
	switch res {
	case 1:
		fatal(q.eng.logger, "Resume", q.label, ErrInvariant)
	case 2:
		q.sideSuspend -= sideSuspendChunk
	}
}

// IsSuspended reports whether the queue has an outstanding Suspend or is inactive.
func (q *Queue) IsSuspended() bool {
	return stSuspended(q.state.load())
}

// =============================================================================
// Width
// =============================================================================

// SetWidth changes the width. On a running queue the change is applied by an
// internal barrier so it never overlaps items started under the old width.
func (q *Queue) SetWidth(n int) {
	if n < 1 || n > MaxQueueWidth {
		fatal(q.eng.logger, "SetWidth", q.label, ErrWidthRange)
	}
	if stSuspended(q.state.load()) {
		q.width.Store(int32(n))
		q.wakeup(TaskPriorityUnspecified, wakeupForce)
		return
	}
	q.pushInternalBarrier("set-width", func(context.Context) {
		q.width.Store(int32(n))
	})
}

func (q *Queue) pushInternalBarrier(name string, task Task) {
	it := &workItem{
		kind:    itemTask,
		barrier: true,
		qos:     q.def.Priority,
		prio:    q.def.priority(),
		name:    name,
		task:    task,
		origin:  q,
	}
	q.push(it, it.qos)
}

// =============================================================================
// Reference counting and disposal
// =============================================================================

// Retain adds an external reference.
func (q *Queue) Retain() *Queue {
	if q.erefs.Add(1) <= 1 {
		fatal(q.eng.logger, "Retain", q.label, ErrInvariant)
	}
	return q
}

// Release drops an external reference. When the last one goes away the queue
// must not be suspended; work already submitted still runs, and the queue is
// disposed once nothing is in flight.
func (q *Queue) Release() {
	n := q.erefs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		fatal(q.eng.logger, "Release", q.label, ErrInvariant)
	}
	s := q.state.load()
	if stSuspendCount(s) > 0 || stHas(s, stHasSideSuspend) {
		fatal(q.eng.logger, "Release", q.label, ErrDisposeSuspended)
	}
	if !stHas(s, stInactive) {
		q.wakeup(TaskPriorityUnspecified, wakeupForce)
	}
	q.releaseInternal()
}

func (q *Queue) releaseInternal() {
	n := q.irefs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		fatal(q.eng.logger, "release", q.label, ErrInvariant)
	}
	q.dispose()
}

// dispose runs once no external reference and no in-flight wakeup remains.
func (q *Queue) dispose() {
	if !q.disposed.CompareAndSwap(false, true) {
		fatal(q.eng.logger, "dispose", q.label, ErrInvariant)
	}
	if !q.items.empty() {
		fatal(q.eng.logger, "dispose", q.label, ErrDisposeNonEmpty)
	}

	q.sideMu.Lock()
	fin := q.finalizer
	q.finalizer = nil
	q.specific = nil
	q.sideMu.Unlock()

	if stHas(q.state.load(), stActivated) {
		q.targetLoad().removeDependent(q)
	}
	if fin != nil {
		fin()
	}
	q.eng.logger.Debug("queue disposed", F("queue", q.label))
}

// IsDisposed reports whether the queue has been torn down.
func (q *Queue) IsDisposed() bool {
	return q.disposed.Load()
}

// SetFinalizer sets a function run when the queue is disposed.
func (q *Queue) SetFinalizer(fn func()) {
	q.sideMu.Lock()
	q.finalizer = fn
	q.sideMu.Unlock()
}

func (q *Queue) addDependent(child *Queue) {
	q.irefs.Add(1)
	if q.dependents.Add(1) == 1 {
		q.state.transition(func(old uint64) (uint64, bool) {
			return stWithRole(old, roleAnonBase), true
		})
	}
}

func (q *Queue) removeDependent(child *Queue) {
	if q.dependents.Add(-1) == 0 {
		q.state.transition(func(old uint64) (uint64, bool) {
			return stWithRole(old, roleLeaf), true
		})
	}
	q.releaseInternal()
}

// =============================================================================
// Per-key values
// =============================================================================

// SetSpecific associates value with key on this queue. A nil value removes it.
func (q *Queue) SetSpecific(key, value any) {
	q.sideMu.Lock()
	defer q.sideMu.Unlock()
	if value == nil {
		delete(q.specific, key)
		return
	}
	if q.specific == nil {
		q.specific = make(map[any]any)
	}
	q.specific[key] = value
}

// Specific returns the value set for key on this queue only.
func (q *Queue) Specific(key any) (any, bool) {
	q.sideMu.Lock()
	defer q.sideMu.Unlock()
	v, ok := q.specific[key]
	return v, ok
}

// =============================================================================
// Introspection and assertions
// =============================================================================

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() QueueStats {
	s := q.state.load()
	return QueueStats{
		Label:     q.label,
		Kind:      KindQueue,
		Role:      stRole(s).String(),
		Width:     q.Width(),
		InUse:     stWidthInUse(s),
		Suspended: stSuspendCount(s) > 0 || stHas(s, stHasSideSuspend),
		Inactive:  stHas(s, stInactive),
		Enqueued:  stHas(s, stEnqueued),
		Draining:  stOwner(s) != 0,
		Barrier:   stHas(s, stInBarrier),
		Pending:   int(q.pending.Load()),
		MaxQoS:    stQoS(s),
		Target:    labelOf(q.targetLoad()),
		Targeted:  int(q.dependents.Load()),
		State:     stString(s),
	}
}

// RecentTasks returns up to limit executions, newest first.
func (q *Queue) RecentTasks(limit int) []TaskExecutionRecord {
	return q.history.recent(limit)
}

// onChain reports whether ctx belongs to an item running on q or on a queue
// that targets q.
func (q *Queue) onChain(ctx context.Context) bool {
	for t := CurrentQueue(ctx); t != nil; t = t.parent() {
		if t == Target(q) {
			return true
		}
	}
	return false
}

// AssertOnQueue panics with a fatal error unless ctx belongs to an item
// running on q or on a queue that targets q.
func (q *Queue) AssertOnQueue(ctx context.Context) {
	if !q.onChain(ctx) {
		fatal(q.eng.logger, "AssertOnQueue", q.label, ErrNotOnQueue)
	}
}

// AssertNotOnQueue is the opposite of AssertOnQueue.
func (q *Queue) AssertNotOnQueue(ctx context.Context) {
	if q.onChain(ctx) {
		fatal(q.eng.logger, "AssertNotOnQueue", q.label, ErrOnQueue)
	}
}

// WaitIdle blocks until everything submitted before the call has finished.
// It returns ErrEngineClosed when the engine is shut down before then.
func (q *Queue) WaitIdle(ctx context.Context) error {
	if q.eng.rejectIfClosed(q.label) {
		return ErrEngineClosed
	}
	done := make(chan struct{})
	traits := q.def
	traits.Barrier = true
	traits.Name = "wait-idle"
	q.pushTask(func(context.Context) { close(done) }, traits)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.eng.done:
		return ErrEngineClosed
	}
}

// FlushAsync runs callback once everything submitted before the call has finished.
func (q *Queue) FlushAsync(callback func()) {
	if callback == nil || q.eng.rejectIfClosed(q.label) {
		return
	}
	traits := q.def
	traits.Barrier = true
	traits.Name = "flush"
	q.pushTask(func(context.Context) { callback() }, traits)
}
