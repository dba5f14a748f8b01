package parallel

import (
	"runtime"
	"sync"
)

// ConcurrencyQuery reports how many logical execution units the host can
// usefully run in parallel. Implementations return the same positive value
// for the life of the process.
type ConcurrencyQuery interface {
	Concurrency() uint32
}

// HostConcurrency reports the CPUs usable by this process, captured on
// first use.
type HostConcurrency struct{}

var numCPU = sync.OnceValue(func() uint32 {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return uint32(n)
})

// Concurrency implements ConcurrencyQuery.
func (HostConcurrency) Concurrency() uint32 { return numCPU() }

// FixedConcurrency is a configured value returned verbatim. Zero is
// reported as 1 so the result stays positive.
type FixedConcurrency uint32

// Concurrency implements ConcurrencyQuery.
func (f FixedConcurrency) Concurrency() uint32 {
	if f == 0 {
		return 1
	}
	return uint32(f)
}

// NewConcurrencyQuery returns FixedConcurrency(n) when n > 0 and
// HostConcurrency otherwise.
func NewConcurrencyQuery(n uint32) ConcurrencyQuery {
	if n > 0 {
		return FixedConcurrency(n)
	}
	return HostConcurrency{}
}
