package core

import (
	"sync"
	"time"
)

// GraceTimer delays destruction of an emptied ephemeral session so quick
// reconnects survive. Starting replaces any pending run, so repeated
// empty/rejoin cycles never leak timers.
type GraceTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Start schedules fn after d, cancelling any previously scheduled run.
func (g *GraceTimer) Start(d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(d, fn)
}

// Stop cancels the pending run, if any.
func (g *GraceTimer) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
