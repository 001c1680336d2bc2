package core

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// itemList is an intrusive multi-producer single-consumer list of work items.
//
// Producers swap the tail and then link the previous tail to the new item. A
// producer that finds the list empty publishes the head and reports it, which
// makes it responsible for waking the owner. The consumer side (peek, pop) must
// be called by one goroutine at a time: the current drainer of the queue.
type itemList struct {
	head atomic.Pointer[workItem]
	tail atomic.Pointer[workItem]
}

// push appends it and reports whether the list was empty.
func (l *itemList) push(it *workItem) bool {
	it.next.Store(nil)
	prev := l.tail.Swap(it)
	if prev == nil {
		l.head.Store(it)
		return true
	}
	prev.next.Store(it)
	return false
}

// empty may be called from any goroutine.
func (l *itemList) empty() bool {
	return l.tail.Load() == nil
}

// peek returns the head without removing it. It spins while a producer that
// found the list empty has not published the head yet.
func (l *itemList) peek() *workItem {
	if l.tail.Load() == nil {
		return nil
	}
	var sw spin.Wait
	for {
		if h := l.head.Load(); h != nil {
			return h
		}
		if l.tail.Load() == nil {
			return nil
		}
		sw.Once()
	}
}

// pop removes and returns the head, or nil when the list is empty.
func (l *itemList) pop() *workItem {
	h := l.peek()
	if h == nil {
		return nil
	}
	if next := h.next.Load(); next != nil {
		l.head.Store(next)
		return h
	}
	// h looks like the last item. Clear head first so a producer that wins the
	// race below publishes through h.next rather than through head.
	l.head.Store(nil)
	if l.tail.CompareAndSwap(h, nil) {
		return h
	}
	var sw spin.Wait
	next := h.next.Load()
	for next == nil {
		sw.Once()
		next = h.next.Load()
	}
	l.head.Store(next)
	return h
}
