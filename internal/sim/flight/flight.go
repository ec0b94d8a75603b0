// Package flight runs at most one unit of work at a time and never blocks callers that only
// want to start one.
package flight

import (
	"sync"
	"sync/atomic"
)

type Group struct {
	busy atomic.Bool
	wg   sync.WaitGroup
}

// TryGo starts fn on a new goroutine and reports true, or reports false when work is already
// in flight.
func (g *Group) TryGo(fn func()) bool {
	if !g.busy.CompareAndSwap(false, true) {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.busy.Store(false)
		fn()
	}()
	return true
}

// Do runs fn on the calling goroutine under the same guard. It reports false without running
// fn when other work is in flight.
func (g *Group) Do(fn func()) bool {
	if !g.busy.CompareAndSwap(false, true) {
		return false
	}
	defer g.busy.Store(false)
	fn()
	return true
}

func (g *Group) InFlight() bool { return g.busy.Load() }

// Wait blocks until the goroutine started by TryGo, if any, has returned.
func (g *Group) Wait() { g.wg.Wait() }
