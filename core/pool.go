package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// WorkerPool is the terminal kind of a target chain: one per QoS class per
// Engine. Workers are goroutines started on demand and parked when the pool
// runs dry; a worker that stays parked for WorkerIdleTimeout exits.
type WorkerPool struct {
	eng   *Engine
	qos   TaskPriority
	label string

	items     itemList
	consuming atomic.Uint32 // 1 while a worker pops; itemList has one consumer
	queued    atomix.Int64

	workers      atomix.Int64
	idle         atomix.Int64
	spawnPending atomic.Int32
	active       atomix.Int64
	nextWorkerID atomix.Int64

	executed      atomix.Uint64
	spawnFailures atomix.Uint64

	wake chan struct{}
}

func newWorkerPool(e *Engine, qos TaskPriority) *WorkerPool {
	return &WorkerPool{
		eng:   e,
		qos:   qos,
		label: "pool." + qos.String(),
		wake:  make(chan struct{}, e.cfg.MaxWorkersPerPool),
	}
}

func (p *WorkerPool) Label() string   { return p.label }
func (p *WorkerPool) Kind() QueueKind { return KindWorkerPool }

// QoS returns the class the pool serves.
func (p *WorkerPool) QoS() TaskPriority {
	return p.qos
}

func (p *WorkerPool) parent() Target           { return nil }
func (p *WorkerPool) addDependent(q *Queue)    {}
func (p *WorkerPool) removeDependent(q *Queue) {}

// Submit runs task on a worker of this pool.
func (p *WorkerPool) Submit(task Task) {
	traits := DefaultTaskTraits()
	traits.Priority = p.qos
	p.SubmitWithTraits(task, traits)
}

// SubmitWithTraits runs task on a worker. A task above the pool's class goes to
// the pool of its own class.
func (p *WorkerPool) SubmitWithTraits(task Task, traits TaskTraits) {
	if p.eng.rejectIfClosed(p.label) {
		return
	}
	if traits.Priority == TaskPriorityUnspecified {
		traits.Priority = p.qos
	}
	prio := traits.priority()
	p.push(&workItem{
		kind:   itemTask,
		qos:    prio.Effective(),
		prio:   prio,
		name:   traits.Name,
		task:   task,
		origin: p,
	}, prio.Effective())
}

// push links it and makes sure a worker will see it. Items above the pool's
// class are handed to the pool of their class.
func (p *WorkerPool) push(it *workItem, qos TaskPriority) {
	if qos > p.qos {
		p.eng.Pool(qos).push(it, qos)
		return
	}
	p.queued.Add(1)
	p.items.push(it)
	p.poke()
}

func (p *WorkerPool) wakeup(qos TaskPriority, flags wakeupFlags) {
	p.poke()
}

// invoke runs queued items on the calling goroutine until the list is empty or
// the engine stops.
func (p *WorkerPool) invoke(ic *invokeContext, flags invokeFlags) {
	for !p.eng.stopped.Load() {
		it := p.dequeue()
		if it == nil {
			return
		}
		if p.queued.Load() > 0 && p.idle.Load() == 0 {
			p.requestWorker()
		}
		p.run(ic, it)
	}
}

func (p *WorkerPool) run(ic *invokeContext, it *workItem) {
	p.active.Add(1)
	ic.tracker.reset()
	ic.tracker.raise(it.qos)
	p.eng.execute(ic, it)
	p.active.Add(-1)
	p.executed.Add(1)
}

// dequeue pops one item. Workers take turns on the single-consumer list.
func (p *WorkerPool) dequeue() *workItem {
	if p.queued.Load() == 0 {
		return nil
	}
	var sw spin.Wait
	for !p.consuming.CompareAndSwap(0, 1) {
		sw.Once()
	}
	it := p.items.pop()
	p.consuming.Store(0)
	if it != nil {
		p.queued.Add(-1)
	}
	return it
}

// contended reports that work is waiting on the pool with no worker free to take it.
func (p *WorkerPool) contended() bool {
	return p.queued.Load() > 0 && p.idle.Load() == 0
}

// =============================================================================
// Workers
// =============================================================================

// poke wakes a parked worker, or asks for a new one when none is parked.
func (p *WorkerPool) poke() {
	if p.idle.Load() > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return
	}
	p.requestWorker()
}

// requestWorker coalesces spawn requests: only the producer that moves the
// pending count from 0 spawns. The new worker clears it once it runs.
func (p *WorkerPool) requestWorker() {
	if p.eng.stopped.Load() || p.workers.Load() >= int64(p.eng.cfg.MaxWorkersPerPool) {
		return
	}
	if !p.spawnPending.CompareAndSwap(0, 1) {
		return
	}
	p.spawn(0)
}

func (p *WorkerPool) spawn(attempt int) {
	id := int(p.nextWorkerID.Add(1))
	p.workers.Add(1)
	err := p.eng.cfg.Spawner.Spawn(func() { p.workerMain(id) })
	if err == nil {
		p.eng.metrics.RecordWorkerSpawned(p.qos)
		return
	}

	p.workers.Add(-1)
	p.spawnFailures.Add(1)
	p.eng.metrics.RecordSpawnFailure(p.qos)

	policy := p.eng.cfg.SpawnRetry
	if attempt >= policy.MaxRetries {
		p.spawnPending.Store(0)
		p.eng.logger.Error("worker spawn retries exhausted",
			F("pool", p.label),
			F("attempts", attempt+1),
			F("error", err.Error()),
		)
		if p.workers.Load() == 0 && p.queued.Load() > 0 {
			p.eng.raiseFatal(&FatalError{
				Op:    "spawn",
				Queue: p.label,
				Err:   fmt.Errorf("%w: %v", ErrThreadExhausted, err),
			})
		}
		return
	}

	delay := policy.delay(attempt)
	p.eng.logger.Warn("worker spawn failed, retrying",
		F("pool", p.label),
		F("attempt", attempt+1),
		F("delay", delay),
		F("error", err.Error()),
	)
	time.AfterFunc(delay, func() {
		if p.eng.stopped.Load() {
			p.spawnPending.Store(0)
			return
		}
		p.spawn(attempt + 1)
	})
}

func (p *WorkerPool) workerMain(id int) {
	p.spawnPending.Store(0)
	ic := &invokeContext{
		eng:       p.eng,
		ctx:       p.eng.ctx,
		tid:       currentOwnerID(),
		workerID:  id,
		tracker:   newPriorityTracker(p.qos),
		contended: p.contended,
	}
	timer := time.NewTimer(p.eng.cfg.WorkerIdleTimeout)
	timer.Stop()

	for {
		p.invoke(ic, 0)
		if p.eng.stopped.Load() {
			p.workers.Add(-1)
			return
		}
		if !p.park(timer) {
			p.eng.logger.Debug("worker exited", F("pool", p.label), F("worker", id))
			return
		}
	}
}

// park waits for a poke. It returns false when the worker has left the pool.
//
// The worker advertises itself as idle before re-checking the list; a producer
// increments the queued count before it looks for idle workers. One of the two
// always sees the other.
func (p *WorkerPool) park(timer *time.Timer) bool {
	p.idle.Add(1)
	if p.queued.Load() > 0 {
		p.idle.Add(-1)
		return true
	}
	timer.Reset(p.eng.cfg.WorkerIdleTimeout)
	select {
	case <-p.wake:
		timer.Stop()
		p.idle.Add(-1)
		return true
	case <-timer.C:
		p.idle.Add(-1)
		p.workers.Add(-1)
		if p.queued.Load() > 0 && !p.eng.stopped.Load() {
			p.workers.Add(1)
			return true
		}
		return false
	case <-p.eng.done:
		timer.Stop()
		p.idle.Add(-1)
		p.workers.Add(-1)
		return false
	}
}

// idleNow reports that nothing is queued or running on the pool.
func (p *WorkerPool) idleNow() bool {
	return p.queued.Load() == 0 && p.active.Load() == 0
}

// Stats returns a snapshot of the pool.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Label:         p.label,
		QoS:           p.qos,
		Workers:       int(p.workers.Load()),
		Idle:          int(p.idle.Load()),
		SpawnPending:  p.spawnPending.Load() != 0,
		Queued:        int(p.queued.Load()),
		Active:        int(p.active.Load()),
		Executed:      p.executed.Load(),
		SpawnFailures: p.spawnFailures.Load(),
	}
}
