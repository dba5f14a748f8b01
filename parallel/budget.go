package parallel

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget caps the number of live threads across every instance of an
// engine: spawned threads and parallel_for workers both hold a slot while
// they run. Acquisition never blocks; a full budget surfaces as resource
// exhaustion.
type Budget struct {
	sem  *semaphore.Weighted
	live atomic.Int64
	size int64
}

// NewBudget creates a budget of n slots.
func NewBudget(n int64) *Budget {
	return &Budget{sem: semaphore.NewWeighted(n), size: n}
}

// TryAcquire takes up to n slots and returns how many it got.
func (b *Budget) TryAcquire(n int) int {
	if b == nil {
		return n
	}
	got := 0
	for got < n && b.sem.TryAcquire(1) {
		got++
	}
	b.live.Add(int64(got))
	return got
}

// Release returns n slots.
func (b *Budget) Release(n int) {
	if b == nil || n == 0 {
		return
	}
	b.live.Add(-int64(n))
	b.sem.Release(int64(n))
}

// InUse returns the number of held slots.
func (b *Budget) InUse() int64 {
	if b == nil {
		return 0
	}
	return b.live.Load()
}

// Cap returns the budget size.
func (b *Budget) Cap() int64 {
	if b == nil {
		return 0
	}
	return b.size
}
