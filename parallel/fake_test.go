package parallel

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/kernel"
)

type call struct {
	handle kernel.Handle
	args   []uint32
}

// fakeInvoker records calls and traps on chosen first arguments.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []call
	trapAt   map[uint32]bool
	panicAt  map[uint32]bool
	closedAt map[uint32]bool
	delay   time.Duration
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (f *fakeInvoker) Invoke(ctx context.Context, h kernel.Handle, args ...uint32) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{handle: h, args: append([]uint32(nil), args...)})
	f.mu.Unlock()

	if f.panicAt[args[0]] {
		panic("boom")
	}
	if f.closedAt[args[0]] {
		return errors.Closed(errors.PhaseDispatch, "guest instance")
	}
	if f.trapAt[args[0]] {
		return errors.Trap(context.DeadlineExceeded, h.String())
	}
	return nil
}

func (f *fakeInvoker) starts() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.args[0]
	}
	return out
}

func (f *fakeInvoker) sortedArgs() [][]uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]uint32, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.args
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixedSize uint32

func (s fixedSize) Size() uint32 { return uint32(s) }

var (
	kernelHandle    = kernel.Handle{Source: kernel.SourceTable, Index: 1, Signature: kernel.KernelSignature}
	kernelOutHandle = kernel.Handle{Source: kernel.SourceExport, Name: "kernel_out", Signature: kernel.KernelOutSignature}
	entryHandle     = kernel.Handle{Source: kernel.SourceTable, Index: 4, Signature: kernel.SpawnSignature}
)
