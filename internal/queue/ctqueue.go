package queue

import (
	"sync"
	"sync/atomic"
)

// CTQueue is a thread safe FIFO queue which can be closed at any given time. Once the queue is closed, no new
// elements may be added, but existing elements can still be peeked and popped off the queue.
type CTQueue[T any] struct {
	items  []T
	cond   *sync.Cond
	closed atomic.Bool
}

func NewCTQueue[T any]() *CTQueue[T] {
	return &CTQueue[T]{
		cond: sync.NewCond(&sync.Mutex{}),
	}
}

func (ctq *CTQueue[T]) Push(val T) bool {
	return ctq.PushIf(val, nil)
}

// PushIf appends val unless the queue is closed or accept rejects the current contents.
// accept runs under the queue lock, so the check and the append are a single step.
func (ctq *CTQueue[T]) PushIf(val T, accept func(items []T) bool) bool {
	ctq.cond.L.Lock()
	defer ctq.cond.L.Unlock()

	if ctq.IsClosed() {
		return false
	}

	if accept != nil && !accept(ctq.items) {
		return false
	}

	ctq.items = append(ctq.items, val)
	ctq.cond.Broadcast()

	return true
}

// PushUnique appends val only if no equal element is queued already.
func PushUnique[T comparable](ctq *CTQueue[T], val T) bool {
	return ctq.PushIf(val, func(items []T) bool {
		for _, item := range items {
			if item == val {
				return false
			}
		}

		return true
	})
}

// Pop waits for an element and removes it from the head of the queue.
func (ctq *CTQueue[T]) Pop() (T, bool) {
	ctq.cond.L.Lock()
	defer ctq.cond.L.Unlock()

	for len(ctq.items) == 0 {
		// Don't hang once a closed queue runs out of items.
		if ctq.IsClosed() {
			var r T
			return r, false
		}

		ctq.cond.Wait()
	}

	return ctq.popLocked(), true
}

// TryPop removes the head element if there is one, without waiting.
func (ctq *CTQueue[T]) TryPop() (T, bool) {
	ctq.cond.L.Lock()
	defer ctq.cond.L.Unlock()

	if len(ctq.items) == 0 {
		var r T
		return r, false
	}

	return ctq.popLocked(), true
}

// Peek returns the head element without removing it.
func (ctq *CTQueue[T]) Peek() (T, bool) {
	ctq.cond.L.Lock()
	defer ctq.cond.L.Unlock()

	if len(ctq.items) == 0 {
		var r T
		return r, false
	}

	return ctq.items[0], true
}

func (ctq *CTQueue[T]) IsClosed() bool {
	return ctq.closed.Load()
}

func (ctq *CTQueue[T]) CloseAndRetrieveRemaining() []T {
	ctq.closed.Store(true)

	ctq.cond.L.Lock()
	defer ctq.cond.L.Unlock()

	items := ctq.items
	ctq.items = nil
	ctq.cond.Broadcast()

	return items
}

func (ctq *CTQueue[T]) Close() {
	ctq.closed.Store(true)

	ctq.cond.L.Lock()
	defer ctq.cond.L.Unlock()

	ctq.cond.Broadcast()
}

func (ctq *CTQueue[T]) Len() int {
	ctq.cond.L.Lock()
	defer ctq.cond.L.Unlock()

	return len(ctq.items)
}

func (ctq *CTQueue[T]) popLocked() T {
	var zero T

	item := ctq.items[0]
	ctq.items[0] = zero
	ctq.items = ctq.items[1:]

	return item
}
