package core

import (
	"context"
	"sync/atomic"

	"code.hybscloud.com/atomix"
)

// SourceHandler receives the data merged since its previous call.
type SourceHandler func(ctx context.Context, data uint64)

// Source coalesces events raised from any goroutine into serial handler calls
// on its target. Every MergeData adds to a pending value; the handler runs with
// the sum once per scheduling of the source, however many merges happened in
// between. Timer and I/O readiness adapters plug in through it.
type Source struct {
	eng     *Engine
	label   string
	target  Target
	traits  TaskTraits
	qos     TaskPriority
	handler SourceHandler

	state stateWord
	data  atomic.Uint64
	node  workItem

	cancelled     atomic.Bool
	cancelHandler atomic.Pointer[Task]
	finished      atomic.Bool
	done          chan struct{}

	fired  atomix.Uint64
	merged atomix.Uint64
}

// NewSource creates a source whose handler runs on target. A nil target uses
// the pool of the traits' class.
func (e *Engine) NewSource(label string, target Target, traits TaskTraits, handler SourceHandler) *Source {
	if traits.Priority == TaskPriorityUnspecified {
		traits.Priority = DefaultTaskTraits().Priority
	}
	if target == nil {
		target = e.Pool(traits.Priority)
	}
	s := &Source{
		eng:     e,
		label:   label,
		target:  target,
		traits:  traits,
		qos:     traits.priority().Effective(),
		handler: handler,
		done:    make(chan struct{}),
	}
	s.node = workItem{kind: itemSourceNode, source: s, origin: s}
	s.state.v.Store(stWithRole(stActivated, roleLeaf))
	if q, ok := target.(*Queue); ok {
		q.irefs.Add(1)
	}
	return s
}

func (s *Source) Label() string   { return s.label }
func (s *Source) Kind() QueueKind { return KindSource }
func (s *Source) parent() Target  { return s.target }

func (s *Source) addDependent(q *Queue)    {}
func (s *Source) removeDependent(q *Queue) {}

// push is not supported: a source carries data, not items.
func (s *Source) push(it *workItem, qos TaskPriority) {
	fatal(s.eng.logger, "push", s.label, ErrInvariant)
}

// MergeData adds n to the pending value and schedules the handler. Merges
// after Cancel are ignored.
func (s *Source) MergeData(n uint64) {
	if n == 0 || s.cancelled.Load() {
		return
	}
	s.data.Add(n)
	s.merged.Add(1)
	s.wakeup(s.qos, 0)
}

// wakeup links the node into the target unless it is linked or running.
func (s *Source) wakeup(qos TaskPriority, flags wakeupFlags) {
	_, _, ok := s.state.transition(func(old uint64) (uint64, bool) {
		if stHas(old, stEnqueued) {
			return old, false
		}
		return stMergeQoS(old, qos) | stEnqueued, true
	})
	if ok {
		s.target.push(&s.node, s.qos)
	}
}

// invoke runs the handler with the accumulated data. ENQUEUED stays set while
// the handler runs, so merges in the meantime only add data; they are picked
// up by the re-check after ENQUEUED is cleared.
func (s *Source) invoke(ic *invokeContext, flags invokeFlags) {
	if s.cancelled.Load() {
		s.finish(ic)
		return
	}
	if data := s.data.Swap(0); data != 0 {
		s.fired.Add(1)
		s.eng.runTask(ic, s, s.traits.Name, s.qos, func(ctx context.Context) {
			s.handler(ctx, data)
		})
	}
	s.state.transition(func(old uint64) (uint64, bool) {
		return old &^ (stEnqueued | stQoSMask), true
	})
	if s.cancelled.Load() || s.data.Load() != 0 {
		s.wakeup(s.qos, wakeupForce)
	}
}

// finish runs the cancel handler once, on the target, and lets go of the target.
func (s *Source) finish(ic *invokeContext) {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}
	if h := s.cancelHandler.Load(); h != nil {
		s.eng.runTask(ic, s, "cancel", s.qos, *h)
	}
	close(s.done)
	if q, ok := s.target.(*Queue); ok {
		q.releaseInternal()
	}
}

// SetCancelHandler sets a task run on the target once the source is cancelled.
func (s *Source) SetCancelHandler(task Task) {
	s.cancelHandler.Store(&task)
}

// Cancel stops the source. A handler already running finishes; pending data is
// dropped. The cancel handler then runs on the target.
func (s *Source) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.wakeup(s.qos, wakeupForce)
}

// IsCancelled reports whether Cancel has been called.
func (s *Source) IsCancelled() bool {
	return s.cancelled.Load()
}

// Done is closed once a cancelled source has run its cancel handler.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Pending returns the data merged since the handler last ran.
func (s *Source) Pending() uint64 {
	return s.data.Load()
}

// Stats returns a snapshot of the source.
func (s *Source) Stats() QueueStats {
	st := s.state.load()
	pending := 0
	if s.data.Load() != 0 {
		pending = 1
	}
	return QueueStats{
		Label:    s.label,
		Kind:     KindSource,
		Role:     stRole(st).String(),
		Width:    1,
		Enqueued: stHas(st, stEnqueued),
		Pending:  pending,
		MaxQoS:   stQoS(st),
		Target:   labelOf(s.target),
		State:    stString(st),
	}
}
