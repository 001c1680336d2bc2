package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayedSubmission is a task waiting for its deadline.
type delayedSubmission struct {
	deadline time.Time
	seq      uint64
	task     Task
	traits   TaskTraits
	target   Submitter
	index    int
}

// deadlineHeap orders submissions by deadline, then by scheduling order so
// that equal deadlines keep FIFO order on the target.
type deadlineHeap []*delayedSubmission

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	s := x.(*delayedSubmission)
	s.index = len(*h)
	*h = append(*h, s)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}

// DelayManager submits tasks to their target once a deadline passes. One
// goroutine serves every delayed submission of an Engine.
type DelayManager struct {
	mu     sync.Mutex
	pq     deadlineHeap
	seq    uint64
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDelayManager() *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go dm.loop()
	return dm
}

// Schedule submits task to target with traits after delay.
func (dm *DelayManager) Schedule(task Task, delay time.Duration, traits TaskTraits, target Submitter) {
	dm.mu.Lock()
	dm.seq++
	s := &delayedSubmission{
		deadline: time.Now().Add(delay),
		seq:      dm.seq,
		task:     task,
		traits:   traits,
		target:   target,
	}
	heap.Push(&dm.pq, s)
	first := s.index == 0
	dm.mu.Unlock()

	if first {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
}

func (dm *DelayManager) loop() {
	defer close(dm.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, ok := dm.untilNext()
		if !ok {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-dm.ctx.Done():
			return
		case <-timer.C:
			dm.fireExpired()
		case <-dm.wakeup:
			timer.Stop()
		}
	}
}

// untilNext returns the time left before the earliest deadline.
func (dm *DelayManager) untilNext() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if len(dm.pq) == 0 {
		return 0, false
	}
	d := time.Until(dm.pq[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// fireExpired submits every expired task, outside the lock.
func (dm *DelayManager) fireExpired() {
	now := time.Now()
	var expired []*delayedSubmission

	dm.mu.Lock()
	for len(dm.pq) > 0 && !dm.pq[0].deadline.After(now) {
		expired = append(expired, heap.Pop(&dm.pq).(*delayedSubmission))
	}
	dm.mu.Unlock()

	for _, s := range expired {
		s.target.SubmitWithTraits(s.task, s.traits)
	}
}

// Stop drops every pending submission and waits for the loop to exit.
func (dm *DelayManager) Stop() {
	dm.cancel()
	<-dm.done

	dm.mu.Lock()
	dm.pq = nil
	dm.mu.Unlock()
}

// Pending returns the number of submissions waiting for their deadline.
func (dm *DelayManager) Pending() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
