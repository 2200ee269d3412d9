package worker

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is the admission semaphore bounding total in-flight generation work
// for this process, independent of how many workers are ready. Acquisition
// never queues: a full gate rejects immediately.
type Gate struct {
	sem   *semaphore.Weighted
	cap   int64
	inUse atomic.Int64
}

// NewGate creates a gate admitting at most n concurrent requests.
func NewGate(n int) *Gate {
	return &Gate{sem: semaphore.NewWeighted(int64(n)), cap: int64(n)}
}

// TryAcquire takes one permit, reporting false when the gate is full.
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inUse.Add(1)
	return true
}

// Release returns one permit.
func (g *Gate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// InUse reports currently held permits.
func (g *Gate) InUse() int64 {
	return g.inUse.Load()
}

// Cap reports the gate size.
func (g *Gate) Cap() int64 {
	return g.cap
}
