// Package gate caps how many jobs are polled at once in this process.
package gate

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/pagetest-orchestrator/internal/metrics"
)

// DefaultCapacity keeps us well under the provider's own throttling threshold.
const DefaultCapacity = 2

// Gate is a non-blocking counting semaphore.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

// New creates a Gate admitting at most capacity concurrent holders.
func New(capacity int) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Gate{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// Acquire reserves a slot and reports whether one was free. It never waits.
func (g *Gate) Acquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inFlight.Add(1)
	metrics.IncInFlight()
	return true
}

// Release returns a slot taken by a successful Acquire.
func (g *Gate) Release() {
	if g.inFlight.Add(-1) < 0 {
		g.inFlight.Add(1)
		panic("gate: release without acquire")
	}
	metrics.DecInFlight()
	g.sem.Release(1)
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Capacity returns the configured cap.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}
