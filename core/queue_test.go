package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

// orderRecorder records execution order and detects overlapping items.
type orderRecorder struct {
	mu      sync.Mutex
	order   []int
	running atomic.Int32
	maxSeen atomic.Int32
}

func (r *orderRecorder) task(i int, hold time.Duration) Task {
	return func(ctx context.Context) {
		n := r.running.Add(1)
		for {
			m := r.maxSeen.Load()
			if n <= m || r.maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		if hold > 0 {
			time.Sleep(hold)
		}
		r.mu.Lock()
		r.order = append(r.order, i)
		r.mu.Unlock()
		r.running.Add(-1)
	}
}

func (r *orderRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// =============================================================================
// Ordering and width
// =============================================================================

// TestSerialQueue_ExecutesInOrder verifies FIFO execution on a serial queue
// Given: a serial queue
// When: 200 items are submitted from one producer
// Then: they run in submission order, once each, never two at a time
func TestSerialQueue_ExecutesInOrder(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	q := e.NewQueue("serial")
	rec := &orderRecorder{}

	// Act
	for i := range 200 {
		q.Submit(rec.task(i, 0))
	}
	waitIdle(t, q)

	// Assert
	assert.Equal(t, seq(200), rec.snapshot())
	assert.Equal(t, int32(1), rec.maxSeen.Load())
}

// TestSerialQueue_ScenarioA runs A, B, C on one goroutine without overlap
func TestSerialQueue_ScenarioA(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("scenario-a")

	var mu sync.Mutex
	var names []string
	gids := map[uint64]bool{}
	for _, name := range []string{"A", "B", "C"} {
		q.Submit(func(ctx context.Context) {
			mu.Lock()
			names = append(names, name)
			gids[goroutineID()] = true
			mu.Unlock()
		})
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, names)
	assert.Len(t, gids, 1)
}

// TestConcurrentQueue_WidthBound verifies the width limit
// Given: a concurrent queue of width 3
// When: 30 items that each take a few milliseconds are submitted
// Then: all run and at most 3 overlap
func TestConcurrentQueue_WidthBound(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	q := e.NewQueue("wide", Concurrent(3))
	rec := &orderRecorder{}

	// Act
	for i := range 30 {
		q.Submit(rec.task(i, 2*time.Millisecond))
	}
	waitIdle(t, q)

	// Assert
	assert.Len(t, rec.snapshot(), 30)
	assert.LessOrEqual(t, rec.maxSeen.Load(), int32(3))
	assert.Equal(t, 0, q.Stats().InUse)
}

// TestConcurrentQueue_ScenarioB verifies barrier boundaries
// Given: a concurrent queue of width 4
// When: 4 plain items, a barrier and a trailing plain item are submitted
// Then: the barrier starts after the 4 finish and the trailing item after the barrier
func TestConcurrentQueue_ScenarioB(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	q := e.NewQueue("scenario-b", Concurrent(4))

	var finished, running atomic.Int32
	var barrierDone atomic.Bool
	var violations atomic.Int32

	// Act
	for range 4 {
		q.Submit(func(ctx context.Context) {
			running.Add(1)
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			finished.Add(1)
		})
	}
	q.SubmitBarrier(func(ctx context.Context) {
		if finished.Load() != 4 || running.Load() != 0 {
			violations.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		barrierDone.Store(true)
	})
	q.Submit(func(ctx context.Context) {
		if !barrierDone.Load() {
			violations.Add(1)
		}
	})
	waitIdle(t, q)

	// Assert
	assert.Equal(t, int32(0), violations.Load())
	assert.True(t, barrierDone.Load())
}

// TestConcurrentQueue_BarrierNeverOverlaps mixes barriers into a stream of plain items
func TestConcurrentQueue_BarrierNeverOverlaps(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("mixed", Concurrent(4))

	var running atomic.Int32
	var inBarrier atomic.Bool
	var overlaps atomic.Int32
	for i := range 100 {
		if i%10 == 9 {
			q.SubmitBarrier(func(ctx context.Context) {
				if running.Add(1) != 1 {
					overlaps.Add(1)
				}
				inBarrier.Store(true)
				time.Sleep(time.Millisecond)
				inBarrier.Store(false)
				running.Add(-1)
			})
			continue
		}
		q.Submit(func(ctx context.Context) {
			running.Add(1)
			if inBarrier.Load() {
				overlaps.Add(1)
			}
			time.Sleep(200 * time.Microsecond)
			running.Add(-1)
		})
	}
	waitIdle(t, q)

	assert.Equal(t, int32(0), overlaps.Load())
}

// TestQueue_HierarchyAppliesEveryWidth verifies each level applies its own width
// Given: a width-4 queue targeting a width-2 queue
// When: 20 items are submitted to the child
// Then: never more than 2 run at once
func TestQueue_HierarchyAppliesEveryWidth(t *testing.T) {
	e := newTestEngine(t)
	parent := e.NewQueue("parent", Concurrent(2))
	child := e.NewQueue("child", Concurrent(4), WithTarget(parent))
	rec := &orderRecorder{}

	for i := range 20 {
		child.Submit(rec.task(i, time.Millisecond))
	}
	waitIdle(t, child)
	waitIdle(t, parent)

	assert.Len(t, rec.snapshot(), 20)
	assert.LessOrEqual(t, rec.maxSeen.Load(), int32(2))
}

// TestQueue_SerialChildrenShareSerialParent verifies two serial queues behind one serial queue never overlap
func TestQueue_SerialChildrenShareSerialParent(t *testing.T) {
	e := newTestEngine(t)
	parent := e.NewQueue("parent")
	a := e.NewQueue("a", WithTarget(parent))
	b := e.NewQueue("b", WithTarget(parent))
	rec := &orderRecorder{}

	for i := range 50 {
		a.Submit(rec.task(i, 0))
		b.Submit(rec.task(100+i, 0))
	}
	waitIdle(t, a)
	waitIdle(t, b)

	got := rec.snapshot()
	assert.Len(t, got, 100)
	assert.Equal(t, int32(1), rec.maxSeen.Load())

	// each child keeps its own order
	var fromA, fromB []int
	for _, v := range got {
		if v < 100 {
			fromA = append(fromA, v)
		} else {
			fromB = append(fromB, v-100)
		}
	}
	assert.Equal(t, seq(50), fromA)
	assert.Equal(t, seq(50), fromB)

	// parent is now targeted by two queues
	assert.Equal(t, 2, parent.Stats().Targeted)
	assert.Equal(t, "anon-base", parent.Stats().Role)
}

func TestQueue_WidthOutOfRangeIsFatal(t *testing.T) {
	e := newTestEngine(t)
	requireFatal(t, ErrWidthRange, func() { e.NewQueue("zero", WithWidth(0)) })
	requireFatal(t, ErrWidthRange, func() { e.NewQueue("huge", WithWidth(MaxQueueWidth+1)) })

	q := e.NewQueue("ok", Concurrent(MaxQueueWidth))
	requireFatal(t, ErrWidthRange, func() { q.SetWidth(-1) })
}

// TestQueue_SetWidth changes a running queue from serial to concurrent
func TestQueue_SetWidth(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("resize")
	rec := &orderRecorder{}

	for i := range 5 {
		q.Submit(rec.task(i, 0))
	}
	q.SetWidth(4)
	for i := 5; i < 25; i++ {
		q.Submit(rec.task(i, time.Millisecond))
	}
	waitIdle(t, q)

	assert.Equal(t, 4, q.Width())
	got := rec.snapshot()
	require.Len(t, got, 25)
	// the items before the resize ran first, in order
	assert.Equal(t, seq(5), got[:5])
	assert.LessOrEqual(t, rec.maxSeen.Load(), int32(4))
}

// =============================================================================
// Suspension and activation
// =============================================================================

// TestQueue_SuspendResumeIsNoOp verifies nested suspension
// Given: a queue suspended twice
// When: items are submitted and the queue is resumed once, then again
// Then: nothing runs until the second resume, after which everything runs in order
func TestQueue_SuspendResumeIsNoOp(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	q := e.NewQueue("suspend")
	rec := &orderRecorder{}

	// Act
	q.Suspend()
	q.Suspend()
	for i := range 3 {
		q.Submit(rec.task(i, 0))
	}
	q.Resume()
	time.Sleep(30 * time.Millisecond)

	// Assert
	assert.Empty(t, rec.snapshot())
	assert.True(t, q.IsSuspended())
	assert.Equal(t, 3, q.Stats().Pending)

	q.Resume()
	waitIdle(t, q)
	assert.Equal(t, seq(3), rec.snapshot())
	assert.False(t, q.IsSuspended())
}

// TestQueue_ScenarioD verifies order across a suspension with a barrier in it
func TestQueue_ScenarioD(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("scenario-d", Concurrent(2))
	rec := &orderRecorder{}
	var afterBarrier atomic.Int32
	var barrierRan atomic.Bool
	var violations atomic.Int32

	q.Suspend()
	q.Submit(rec.task(0, 0))
	q.Submit(rec.task(1, 0))
	q.Submit(rec.task(2, 0))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.snapshot(), "nothing runs while suspended")

	q.SubmitBarrier(func(ctx context.Context) {
		if len(rec.snapshot()) != 3 {
			violations.Add(1)
		}
		barrierRan.Store(true)
	})
	q.Submit(func(ctx context.Context) {
		if !barrierRan.Load() {
			violations.Add(1)
		}
		afterBarrier.Add(1)
	})
	q.Resume()
	waitIdle(t, q)

	assert.ElementsMatch(t, seq(3), rec.snapshot())
	assert.Equal(t, int32(1), afterBarrier.Load())
	assert.Equal(t, int32(0), violations.Load())
}

// TestQueue_SuspendOverflowUsesSideCount suspends past the inline counter
func TestQueue_SuspendOverflowUsesSideCount(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("deep-suspend")
	done := make(chan struct{})

	for range 200 {
		q.Suspend()
	}
	q.Submit(func(ctx context.Context) { close(done) })
	assert.True(t, stHas(q.state.load(), stHasSideSuspend))

	for range 199 {
		q.Resume()
	}
	require.True(t, q.IsSuspended())
	select {
	case <-done:
		t.Fatal("ran while suspended")
	case <-time.After(20 * time.Millisecond):
	}

	q.Resume()
	waitClosed(t, done, 2*time.Second, "item did not run after the last resume")
	assert.False(t, q.IsSuspended())
	assert.False(t, stHas(q.state.load(), stHasSideSuspend))
}

func TestQueue_OverResumeIsFatal(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("over-resume")
	q.Suspend()
	q.Resume()
	requireFatal(t, ErrOverResume, q.Resume)
}

func TestQueue_ResumeInactiveIsFatal(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("inactive", Inactive())
	requireFatal(t, ErrResumeInactive, q.Resume)
}

// TestQueue_InactiveRunsAfterActivate verifies inactive queues hold their items
// Given: an inactive queue with a retarget applied before activation
// When: items are submitted and the queue is activated
// Then: nothing runs before Activate and everything runs after, on the new target
func TestQueue_InactiveRunsAfterActivate(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	parent := e.NewQueue("parent")
	q := e.NewQueue("lazy", Inactive())
	q.SetTarget(parent)
	rec := &orderRecorder{}

	// Act
	for i := range 3 {
		q.Submit(rec.task(i, 0))
	}
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.snapshot())
	require.False(t, q.IsActive())
	q.Activate()
	q.Activate()
	waitIdle(t, q)

	// Assert
	assert.True(t, q.IsActive())
	assert.Equal(t, seq(3), rec.snapshot())
	assert.Same(t, parent, q.Target().(*Queue))
	assert.Equal(t, 1, parent.Stats().Targeted)
}

// =============================================================================
// Retarget
// =============================================================================

// TestQueue_ScenarioE verifies a retarget while suspended
// Given: a concurrent queue targeting a suspended queue
// When: it is suspended, retargeted, fed and resumed
// Then: every item reaches the new target and none the old one
func TestQueue_ScenarioE(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	oldTarget := e.NewQueue("old", Concurrent(4))
	oldTarget.Suspend()
	newTarget := e.NewQueue("new", Concurrent(4))
	q := e.NewQueue("moving", Concurrent(2), WithTarget(oldTarget))
	var ran atomic.Int32

	// Act
	q.Suspend()
	q.SetTarget(newTarget)
	for range 10 {
		q.Submit(func(ctx context.Context) { ran.Add(1) })
	}
	q.Resume()

	// Assert
	require.Eventually(t, func() bool { return ran.Load() == 10 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, oldTarget.Stats().Pending)
	assert.Equal(t, 0, oldTarget.Stats().Targeted)
	assert.Equal(t, 1, newTarget.Stats().Targeted)
	assert.Same(t, newTarget, q.Target().(*Queue))
	oldTarget.Resume()
}

// TestQueue_SetTargetWhileRunning retargets an active queue through a barrier
func TestQueue_SetTargetWhileRunning(t *testing.T) {
	e := newTestEngine(t)
	newTarget := e.NewQueue("new-target")
	q := e.NewQueue("running")
	rec := &orderRecorder{}

	for i := range 10 {
		q.Submit(rec.task(i, 0))
	}
	q.SetTarget(newTarget)
	var onNew atomic.Bool
	q.Submit(func(ctx context.Context) {
		onNew.Store(newTarget.onChain(ctx))
	})
	waitIdle(t, q)

	assert.Equal(t, seq(10), rec.snapshot())
	assert.Same(t, newTarget, q.Target().(*Queue))
	assert.True(t, onNew.Load())
}

func TestQueue_RetargetSharedIsFatal(t *testing.T) {
	e := newTestEngine(t)
	base := e.NewQueue("base")
	e.NewQueue("leaf", WithTarget(base))
	other := e.NewQueue("other")

	requireFatal(t, ErrRetargetShared, func() { base.SetTarget(other) })
}

func TestQueue_RetargetSharedAllowedWhenNotStrict(t *testing.T) {
	strict := false
	e := newTestEngine(t, func(c *EngineConfig) { c.StrictRetarget = &strict })
	base := e.NewQueue("base")
	e.NewQueue("leaf", WithTarget(base))
	other := e.NewQueue("other")

	base.SetTarget(other)
	waitIdle(t, base)
	assert.Same(t, other, base.Target().(*Queue))
}

func TestQueue_TargetCycleIsFatal(t *testing.T) {
	e := newTestEngine(t)
	a := e.NewQueue("a")
	b := e.NewQueue("b", WithTarget(a))

	requireFatal(t, ErrTargetCycle, func() { a.SetTarget(b) })
	requireFatal(t, ErrTargetCycle, func() { a.SetTarget(a) })
}

func TestQueue_SourceIsNotATarget(t *testing.T) {
	e := newTestEngine(t)
	src := e.NewSource("src", nil, DefaultTaskTraits(), func(ctx context.Context, data uint64) {})
	requireFatal(t, ErrBadTarget, func() { e.NewQueue("bad", WithTarget(src)) })
}

// =============================================================================
// Reference counting and disposal
// =============================================================================

// TestQueue_ReleaseDisposesAfterDrain verifies two-phase disposal
// Given: a queue with pending items and a finalizer
// When: the last external reference is released
// Then: the pending items still run and the finalizer runs after them
func TestQueue_ReleaseDisposesAfterDrain(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	q := e.NewQueue("disposable", Concurrent(2))
	var ran atomic.Int32
	finalized := make(chan struct{})
	q.SetFinalizer(func() {
		if ran.Load() != 10 {
			t.Errorf("finalizer ran before the items: %d", ran.Load())
		}
		close(finalized)
	})

	// Act
	for range 10 {
		q.Submit(func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		})
	}
	q.Retain()
	q.Release()
	require.False(t, q.IsDisposed())
	q.Release()

	// Assert
	waitClosed(t, finalized, 2*time.Second, "queue was not disposed")
	assert.True(t, q.IsDisposed())
}

func TestQueue_ReleaseSuspendedIsFatal(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("suspended")
	q.Suspend()
	requireFatal(t, ErrDisposeSuspended, q.Release)
}

func TestQueue_ReleaseInactiveWithItemsIsFatal(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("inactive-full", Inactive())
	q.Submit(func(ctx context.Context) {})
	requireFatal(t, ErrDisposeNonEmpty, q.Release)
}

func TestQueue_ReleaseTargetKeepsItAlive(t *testing.T) {
	e := newTestEngine(t)
	parent := e.NewQueue("parent")
	child := e.NewQueue("child", WithTarget(parent))
	parentGone := make(chan struct{})
	parent.SetFinalizer(func() { close(parentGone) })

	parent.Release()
	require.False(t, parent.IsDisposed(), "a targeted queue stays alive")

	done := make(chan struct{})
	child.Submit(func(ctx context.Context) { close(done) })
	waitClosed(t, done, 2*time.Second, "child item did not run")

	child.Release()
	waitClosed(t, parentGone, 2*time.Second, "parent not disposed after its child")
}

// =============================================================================
// Specifics, assertions, helpers
// =============================================================================

func TestQueue_SpecificsWalkTheTargetChain(t *testing.T) {
	e := newTestEngine(t)
	type key struct{}
	parent := e.NewQueue("parent")
	child := e.NewQueue("child", WithTarget(parent))
	parent.SetSpecific(key{}, "from-parent")

	var got any
	var found bool
	child.SubmitAndWait(context.Background(), func(ctx context.Context) {
		got, found = GetSpecific(ctx, key{})
	})
	assert.True(t, found)
	assert.Equal(t, "from-parent", got)

	child.SetSpecific(key{}, "from-child")
	child.SubmitAndWait(context.Background(), func(ctx context.Context) {
		got, found = GetSpecific(ctx, key{})
	})
	assert.Equal(t, "from-child", got)

	_, ok := child.Specific("missing")
	assert.False(t, ok)
	child.SetSpecific(key{}, nil)
	_, ok = child.Specific(key{})
	assert.False(t, ok)

	_, found = GetSpecific(context.Background(), key{})
	assert.False(t, found)
}

func TestQueue_AssertOnQueue(t *testing.T) {
	e := newTestEngine(t)
	parent := e.NewQueue("parent")
	child := e.NewQueue("child", WithTarget(parent))
	other := e.NewQueue("other")

	var onChild, onParent, onOther *FatalError
	var notOnOther, notOnChild *FatalError
	var current Target
	child.SubmitAndWait(context.Background(), func(ctx context.Context) {
		current = CurrentQueue(ctx)
		onChild = catchFatal(func() { child.AssertOnQueue(ctx) })
		onParent = catchFatal(func() { parent.AssertOnQueue(ctx) })
		onOther = catchFatal(func() { other.AssertOnQueue(ctx) })
		notOnOther = catchFatal(func() { other.AssertNotOnQueue(ctx) })
		notOnChild = catchFatal(func() { child.AssertNotOnQueue(ctx) })
	})

	assert.Same(t, child, current.(*Queue))
	assert.Nil(t, onChild)
	assert.Nil(t, onParent)
	require.NotNil(t, onOther)
	assert.ErrorIs(t, onOther, ErrNotOnQueue)
	assert.Nil(t, notOnOther)
	require.NotNil(t, notOnChild)
	assert.ErrorIs(t, notOnChild, ErrOnQueue)
}

func TestQueue_Apply(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("apply", Concurrent(4))

	var sum atomic.Int64
	q.Apply(context.Background(), 100, func(i int) { sum.Add(int64(i)) })
	assert.Equal(t, int64(4950), sum.Load())

	serial := e.NewQueue("apply-serial")
	var order []int
	serial.Apply(context.Background(), 5, func(i int) { order = append(order, i) })
	assert.Equal(t, seq(5), order)

	q.Apply(context.Background(), 0, func(i int) { t.Error("called for n=0") })
}

func TestQueue_FlushAsyncAndHistory(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("history", WithHistory(4))

	for _, name := range []string{"one", "two", "three", "four", "five"} {
		q.SubmitNamed(name, func(ctx context.Context) {})
	}
	flushed := make(chan struct{})
	q.FlushAsync(func() { close(flushed) })
	waitClosed(t, flushed, 2*time.Second, "flush callback not called")
	require.Eventually(t, func() bool {
		r := q.RecentTasks(1)
		return len(r) == 1 && r[0].Name == "flush"
	}, time.Second, time.Millisecond)

	recent := q.RecentTasks(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "flush", recent[0].Name)
	assert.Equal(t, "five", recent[1].Name)
	assert.Equal(t, "four", recent[2].Name)
	assert.Equal(t, "history", recent[0].QueueName)
	assert.Equal(t, KindQueue, recent[0].QueueKind)
	assert.Len(t, q.RecentTasks(0), 4)

	off := e.NewQueue("no-history", WithHistory(0))
	off.SubmitAndWait(context.Background(), func(ctx context.Context) {})
	assert.Empty(t, off.RecentTasks(10))
}

func TestQueue_Stats(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("stats", Concurrent(3), WithPriority(TaskPriorityUserInitiated, 0))
	q.Suspend()
	q.Submit(func(ctx context.Context) {})
	q.Submit(func(ctx context.Context) {})

	st := q.Stats()
	assert.Equal(t, "stats", st.Label)
	assert.Equal(t, KindQueue, st.Kind)
	assert.Equal(t, 3, st.Width)
	assert.Equal(t, 2, st.Pending)
	assert.True(t, st.Suspended)
	assert.False(t, st.Draining)
	assert.Equal(t, TaskPriorityUserInitiated, st.MaxQoS)
	assert.Equal(t, "pool.user_initiated", st.Target)
	assert.Contains(t, st.State, "activated")

	q.Resume()
	waitIdle(t, q)
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestQueue_SubmitAfter(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("delayed")
	start := time.Now()
	done := make(chan time.Time, 1)

	q.SubmitAfter(30*time.Millisecond, func(ctx context.Context) { done <- time.Now() })

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed item did not run")
	}
}

func TestQueue_SubmitWorkItem(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("work-items")
	notified := make(chan struct{})

	w := NewWorkItem(func(ctx context.Context) {}, DefaultTaskTraits())
	w.Notify(q, func(ctx context.Context) { close(notified) }, DefaultTaskTraits())
	q.SubmitWorkItem(w)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
	waitClosed(t, notified, 2*time.Second, "notification not submitted")
}

// TestQueue_WaitIdleAfterShutdown verifies the flush helpers honor shutdown
// Given: an engine that has been shut down
// When: WaitIdle and FlushAsync are called on one of its queues
// Then: WaitIdle returns ErrEngineClosed at once, the callback never runs,
// and both calls are reported as rejected
func TestQueue_WaitIdleAfterShutdown(t *testing.T) {
	// Arrange
	rejected := NewTestRejectedTaskHandler()
	e := newTestEngine(t, func(c *EngineConfig) { c.RejectedTaskHandler = rejected })
	q := e.NewQueue("closed-flush")
	e.Shutdown()

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := q.WaitIdle(ctx)
	var called atomic.Bool
	q.FlushAsync(func() { called.Store(true) })

	// Assert
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.Never(t, called.Load, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, rejected.Count())
}

func TestQueue_WaitIdleReturnsOnShutdown(t *testing.T) {
	e := newTestEngine(t)
	q := e.NewQueue("flush-stuck")
	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	q.Submit(func(ctx context.Context) {
		close(started)
		<-gate
	})
	waitClosed(t, started, 2*time.Second, "item did not start")
	errc := make(chan error, 1)
	go func() { errc <- q.WaitIdle(context.Background()) }()

	e.Shutdown()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrEngineClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle still blocked after Shutdown")
	}
}

func TestQueue_ApplyReturnsOnShutdown(t *testing.T) {
	e := newTestEngine(t, func(c *EngineConfig) { c.MaxWorkersPerPool = 1 })
	q := e.NewQueue("apply-stuck", Concurrent(2))
	gate := make(chan struct{})
	defer close(gate)
	var started sync.Once
	running := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		q.Apply(context.Background(), 4, func(i int) {
			started.Do(func() { close(running) })
			<-gate
		})
	}()
	waitClosed(t, running, 2*time.Second, "no iteration started")

	e.Shutdown()

	waitClosed(t, returned, 2*time.Second, "Apply still blocked after Shutdown")
}
