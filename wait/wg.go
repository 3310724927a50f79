// Package wait tracks the background syncs of the engine so that closing it can wait for them.
package wait

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ProtonMail/airsync/async"
)

// Group is a wait group whose goroutines report their panics to PanicHandler.
type Group struct {
	PanicHandler async.PanicHandler

	wg      sync.WaitGroup
	running atomic.Int32
}

// Go runs fn in a new goroutine tracked by the group.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	g.running.Add(1)

	go func() {
		defer g.wg.Done()
		defer g.running.Add(-1)
		defer async.HandlePanic(g.PanicHandler)

		fn()
	}()
}

// Running returns the number of goroutines that have not returned yet.
func (g *Group) Running() int {
	return int(g.running.Load())
}

func (g *Group) Wait() {
	g.wg.Wait()
}

// WaitContext waits for the group or for ctx to be done, whichever comes first.
func (g *Group) WaitContext(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		defer close(done)
		g.wg.Wait()
	}()

	select {
	case <-done:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
