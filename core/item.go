package core

import (
	"context"
	"sync"
	"sync/atomic"
)

type itemKind uint8

const (
	// itemTask runs a Task.
	itemTask itemKind = iota
	// itemWaiter stands for a goroutine blocked in a synchronous submission.
	itemWaiter
	// itemQueueNode is a queue linked into its target's list.
	itemQueueNode
	// itemOverride drains a queue from a higher pool while its node still sits
	// on a lower one.
	itemOverride
	// itemRedirect carries an item of a concurrent queue to the queue's target
	// and gives back the width unit when it finishes.
	itemRedirect
	// itemSourceNode is a Source linked into its target's list.
	itemSourceNode
)

func (k itemKind) String() string {
	switch k {
	case itemTask:
		return "task"
	case itemWaiter:
		return "waiter"
	case itemQueueNode:
		return "queue-node"
	case itemOverride:
		return "override"
	case itemRedirect:
		return "redirect"
	case itemSourceNode:
		return "source-node"
	}
	return "item?"
}

// workItem is the intrusive node every list carries.
type workItem struct {
	next atomic.Pointer[workItem]

	kind    itemKind
	barrier bool
	qos     TaskPriority
	prio    Priority
	name    string

	task   Task
	origin Target

	queue  *Queue
	source *Source
	waiter *syncWaiter

	// redirect wrapper
	inner *workItem
	from  *Queue

	// ref is the internal reference an override or redirect item holds on its queue.
	ref *pendingRef
}

func (it *workItem) label() string {
	if it.origin != nil {
		return it.origin.Label()
	}
	return ""
}

// nodeQueue returns the queue whose node it is, directly or inside redirects.
func (it *workItem) nodeQueue() *Queue {
	for ; it != nil; it = it.inner {
		switch it.kind {
		case itemQueueNode:
			return it.queue
		case itemRedirect:
			continue
		}
		return nil
	}
	return nil
}

// currentQoS is the priority it stands for now. A queue node also counts
// overrides its queue received after the node was linked.
func (it *workItem) currentQoS() TaskPriority {
	qos := it.qos
	if q := it.nodeQueue(); q != nil {
		qos = maxPriority(qos, stQoS(q.state.load()))
	}
	return qos
}

// =============================================================================
// WorkItem: public one-shot work item
// =============================================================================

// WorkItem is a one-shot unit of work that can be cancelled before it starts,
// waited on once and chained with notifications.
type WorkItem struct {
	task   Task
	traits TaskTraits

	cancelled atomic.Bool
	started   atomic.Bool
	waited    atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	finished bool
	notify   []workItemNotify
}

type workItemNotify struct {
	target Submitter
	task   Task
	traits TaskTraits
}

// NewWorkItem wraps task. A zero Priority in traits inherits the queue default.
func NewWorkItem(task Task, traits TaskTraits) *WorkItem {
	return &WorkItem{task: task, traits: traits, done: make(chan struct{})}
}

// Cancel marks the item cancelled. A cancelled item that has not started runs
// as a no-op; one that has started is not interrupted.
func (w *WorkItem) Cancel() {
	w.cancelled.Store(true)
}

func (w *WorkItem) IsCancelled() bool {
	return w.cancelled.Load()
}

// Wait blocks until the item has run (or was skipped because it was cancelled).
// Waiting twice on the same item is a fatal error.
func (w *WorkItem) Wait(ctx context.Context) error {
	if !w.waited.CompareAndSwap(false, true) {
		fatal(nil, "WorkItem.Wait", "", ErrDoubleWait)
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the item has finished.
func (w *WorkItem) Done() <-chan struct{} {
	return w.done
}

// Notify submits task to target once the item finishes. If it already has,
// task is submitted right away.
func (w *WorkItem) Notify(target Submitter, task Task, traits TaskTraits) {
	w.mu.Lock()
	if !w.finished {
		w.notify = append(w.notify, workItemNotify{target: target, task: task, traits: traits})
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	target.SubmitWithTraits(task, traits)
}

// run is what the queue executes. A second run of the same item does nothing.
func (w *WorkItem) run(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer w.finish()
	if w.cancelled.Load() || w.task == nil {
		return
	}
	w.task(ctx)
}

func (w *WorkItem) finish() {
	w.mu.Lock()
	w.finished = true
	pending := w.notify
	w.notify = nil
	w.mu.Unlock()
	close(w.done)
	for _, n := range pending {
		n.target.SubmitWithTraits(n.task, n.traits)
	}
}
