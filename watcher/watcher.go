// Package watcher delivers engine events to the application without blocking the engine.
package watcher

import (
	"reflect"

	"github.com/ProtonMail/airsync/internal/queue"
)

// Watcher receives the events of the types it watches, or every event if it watches none.
// Sent events are buffered without bound so a slow reader never stalls a sync.
type Watcher[T any] struct {
	types   map[reflect.Type]struct{}
	pending *queue.CTQueue[T]
	eventCh chan T
}

func New[T any](ofType ...T) *Watcher[T] {
	types := make(map[reflect.Type]struct{}, len(ofType))

	for _, t := range ofType {
		types[reflect.TypeOf(t)] = struct{}{}
	}

	w := &Watcher[T]{
		types:   types,
		pending: queue.NewCTQueue[T](),
		eventCh: make(chan T),
	}

	go w.forward()

	return w
}

func (w *Watcher[T]) IsWatching(event T) bool {
	if len(w.types) == 0 {
		return true
	}

	_, ok := w.types[reflect.TypeOf(event)]

	return ok
}

func (w *Watcher[T]) GetChannel() <-chan T {
	return w.eventCh
}

// Send queues the event. It returns false once the watcher is closed.
func (w *Watcher[T]) Send(event T) bool {
	return w.pending.Push(event)
}

// Close stops accepting events. Events queued before can still be read; the channel is closed after them.
func (w *Watcher[T]) Close() {
	w.pending.Close()
}

func (w *Watcher[T]) forward() {
	defer close(w.eventCh)

	for {
		event, ok := w.pending.Pop()
		if !ok {
			return
		}

		w.eventCh <- event
	}
}
