package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/testmod"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
	"github.com/wippyai/wasm-parallel/memory"
	"github.com/wippyai/wasm-parallel/parallel"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.Interpreter = true
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	e, err := NewWithConfig(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func newInstance(t *testing.T, e *Engine, opts testmod.Options) *Instance {
	t.Helper()
	ctx := context.Background()
	mod, err := e.LoadModule(ctx, testmod.MustBuild(t, opts))
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	inst, err := mod.Instantiate(ctx, nil)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst
}

// call invokes a guest export that re-exports a host function and returns
// its i32 result.
func call(t *testing.T, inst *Instance, name string, params ...uint32) int32 {
	t.Helper()
	args := make([]uint64, len(params))
	for i, p := range params {
		args[i] = uint64(p)
	}
	res, err := inst.Call(context.Background(), name, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return int32(uint32(res[0]))
}

func parallelFor(t *testing.T, inst *Instance, a ParallelForArgs) int32 {
	t.Helper()
	return call(t, inst, FuncParallelFor,
		a.KernelStart, a.KernelLen, a.Iterations, a.BlockSize,
		a.InStart, a.InLen, a.OutStart, a.OutLen)
}

func word(t *testing.T, inst *Instance, addr uint32) uint32 {
	t.Helper()
	v, err := inst.Memory().ReadU32(addr)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func writeDescriptors(t *testing.T, inst *Instance, addr uint32, ds ...memory.Descriptor) uint32 {
	t.Helper()
	for i, d := range ds {
		if err := inst.Memory().WriteU32(addr+uint32(i)*8, d.Start); err != nil {
			t.Fatal(err)
		}
		if err := inst.Memory().WriteU32(addr+uint32(i)*8+4, d.Len); err != nil {
			t.Fatal(err)
		}
	}
	return uint32(len(ds)) * memory.WordsPerDescriptor
}

func TestHWConcurrency(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{Concurrency: 1}), testmod.Options{})
	for i := 0; i < 3; i++ {
		if got := call(t, inst, FuncHWConcurrency); got != 1 {
			t.Fatalf("hw_concurrency = %d, want 1", got)
		}
	}

	host := newInstance(t, newEngine(t, Config{}), testmod.Options{})
	first := call(t, host, FuncHWConcurrency)
	if first <= 0 {
		t.Fatalf("hw_concurrency = %d, want positive", first)
	}
	if again := call(t, host, FuncHWConcurrency); again != first {
		t.Errorf("hw_concurrency changed from %d to %d", first, again)
	}
}

func TestParallelFor_OverlappingWrites(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{Concurrency: 4}), testmod.Options{})

	status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotLast, Iterations: 12, BlockSize: 4})
	if status != 0 {
		t.Fatalf("parallel_for = %d, want 0", status)
	}
	switch last := word(t, inst, testmod.LastWriterAddr); last {
	case 1, 5, 9:
	default:
		t.Errorf("last writer slot = %d, want one of 1, 5, 9", last)
	}
	if got := word(t, inst, testmod.CounterAddr); got != 3 {
		t.Errorf("invocations = %d, want 3", got)
	}
}

func TestParallelFor_CoversEveryIteration(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{Concurrency: 8}), testmod.Options{})

	const n, block = 1000, 7
	if status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: n, BlockSize: block}); status != 0 {
		t.Fatalf("parallel_for = %d", status)
	}
	for i := uint32(0); i < n; i++ {
		if got := word(t, inst, testmod.MarksAddr+4*i); got != 1 {
			t.Fatalf("iteration %d ran %d times", i, got)
		}
	}
	if got := word(t, inst, testmod.MarksAddr+4*n); got != 0 {
		t.Errorf("iteration %d past the end ran", n)
	}
	if got := word(t, inst, testmod.CounterAddr); got != (n+block-1)/block {
		t.Errorf("invocations = %d, want %d", got, (n+block-1)/block)
	}
}

func TestParallelFor_ZeroIterations(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{}), testmod.Options{})
	if status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 0, BlockSize: 4}); status != 0 {
		t.Fatalf("parallel_for(n=0) = %d", status)
	}
	if got := word(t, inst, testmod.CounterAddr); got != 0 {
		t.Errorf("invocations = %d, want 0", got)
	}
}

func TestParallelFor_RejectsBeforeDispatch(t *testing.T) {
	e := newEngine(t, Config{Concurrency: 2})

	tests := []struct {
		name  string
		setup func(t *testing.T, inst *Instance) ParallelForArgs
		want  parallel.Status
	}{
		{
			name: "kernel index out of range",
			setup: func(*testing.T, *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: 1000, Iterations: 8, BlockSize: 2}
			},
			want: parallel.StatusInvalidKernel,
		},
		{
			name: "null table slot",
			setup: func(*testing.T, *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: 0, Iterations: 8, BlockSize: 2}
			},
			want: parallel.StatusInvalidKernel,
		},
		{
			name: "kernel signature mismatch",
			setup: func(*testing.T, *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: testmod.SlotWrongSig, Iterations: 8, BlockSize: 2}
			},
			want: parallel.StatusInvalidKernel,
		},
		{
			name: "thread entry used as kernel",
			setup: func(*testing.T, *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: testmod.SlotEntry, Iterations: 8, BlockSize: 2}
			},
			want: parallel.StatusInvalidKernel,
		},
		{
			name: "zero block size",
			setup: func(*testing.T, *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 8, BlockSize: 0}
			},
			want: parallel.StatusInvalidArgument,
		},
		{
			name: "descriptor past memory end",
			setup: func(t *testing.T, inst *Instance) ParallelForArgs {
				words := writeDescriptors(t, inst, testmod.ScratchAddr,
					memory.Descriptor{Start: 0, Len: 16},
					memory.Descriptor{Start: inst.Memory().Size() - 4, Len: 8})
				return ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 8, BlockSize: 2, InStart: testmod.ScratchAddr, InLen: words}
			},
			want: parallel.StatusOutOfBounds,
		},
		{
			name: "descriptor array past memory end",
			setup: func(t *testing.T, inst *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 8, BlockSize: 2, OutStart: inst.Memory().Size() - 4, OutLen: 2}
			},
			want: parallel.StatusOutOfBounds,
		},
		{
			name: "odd descriptor word count",
			setup: func(*testing.T, *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 8, BlockSize: 2, InStart: testmod.ScratchAddr, InLen: 3}
			},
			want: parallel.StatusInvalidArgument,
		},
		{
			name: "kernel name past memory end",
			setup: func(t *testing.T, inst *Instance) ParallelForArgs {
				return ParallelForArgs{KernelStart: inst.Memory().Size() - 2, KernelLen: 11, Iterations: 8, BlockSize: 2}
			},
			want: parallel.StatusOutOfBounds,
		},
		{
			name: "unknown kernel name",
			setup: func(t *testing.T, inst *Instance) ParallelForArgs {
				if err := inst.Memory().Write(testmod.ScratchAddr, []byte("nope")); err != nil {
					t.Fatal(err)
				}
				return ParallelForArgs{KernelStart: testmod.ScratchAddr, KernelLen: 4, Iterations: 8, BlockSize: 2}
			},
			want: parallel.StatusInvalidKernel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newInstance(t, e, testmod.Options{})
			if status := parallelFor(t, inst, tt.setup(t, inst)); status != int32(tt.want) {
				t.Fatalf("parallel_for = %d, want %d", status, tt.want)
			}
			if got := word(t, inst, testmod.CounterAddr); got != 0 {
				t.Errorf("kernel ran %d times despite failed precondition", got)
			}
		})
	}
}

func TestParallelFor_NamedKernelWithOutputs(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{Concurrency: 3}), testmod.Options{})

	const sumAddr = testmod.ScratchAddr + 128
	name := []byte(testmod.ExportOut)
	if err := inst.Memory().Write(testmod.ScratchAddr, name); err != nil {
		t.Fatal(err)
	}
	outWords := writeDescriptors(t, inst, testmod.ScratchAddr+64, memory.Descriptor{Start: sumAddr, Len: 4})

	status := parallelFor(t, inst, ParallelForArgs{
		KernelStart: testmod.ScratchAddr,
		KernelLen:   uint32(len(name)),
		Iterations:  50,
		BlockSize:   8,
		OutStart:    testmod.ScratchAddr + 64,
		OutLen:      outWords,
	})
	if status != 0 {
		t.Fatalf("parallel_for = %d", status)
	}
	if got := word(t, inst, sumAddr); got != 50 {
		t.Errorf("sum of partition counts = %d, want 50", got)
	}
	if got := word(t, inst, testmod.CounterAddr); got != 7 {
		t.Errorf("invocations = %d, want 7", got)
	}
}

func TestParallelFor_TrapPolicy(t *testing.T) {
	tests := []struct {
		name  string
		abort bool
		want  uint32
	}{
		{name: "run all partitions", abort: false, want: 2},
		{name: "abort pending partitions", abort: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, Config{MaxWorkers: 1, AbortOnTrap: tt.abort})
			inst := newInstance(t, e, testmod.Options{})

			status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotTrap, Iterations: 12, BlockSize: 4})
			if status != int32(parallel.StatusKernelTrap) {
				t.Fatalf("parallel_for = %d, want %d", status, parallel.StatusKernelTrap)
			}
			if got := word(t, inst, testmod.CounterAddr); got != tt.want {
				t.Errorf("completed partitions = %d, want %d", got, tt.want)
			}
			if e.Budget().InUse() != 0 {
				t.Errorf("budget slots leaked: %d", e.Budget().InUse())
			}
		})
	}
}

func TestParallelFor_ImportedMemory(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{Concurrency: 2}), testmod.Options{ImportMemory: true})
	if status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 10, BlockSize: 5}); status != 0 {
		t.Fatalf("parallel_for = %d", status)
	}
	if got := word(t, inst, testmod.CounterAddr); got != 2 {
		t.Errorf("invocations = %d, want 2", got)
	}
}

func TestParallelFor_PrivateTable(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{}), testmod.Options{PrivateTable: true})
	if status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 4, BlockSize: 4}); status != int32(parallel.StatusInvalidKernel) {
		t.Fatalf("parallel_for by index = %d", status)
	}

	name := []byte(testmod.ExportMark)
	if err := inst.Memory().Write(testmod.ScratchAddr, name); err != nil {
		t.Fatal(err)
	}
	status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.ScratchAddr, KernelLen: uint32(len(name)), Iterations: 4, BlockSize: 4})
	if status != 0 {
		t.Fatalf("parallel_for by name = %d", status)
	}
}

func TestUnsharedMemory(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{}), testmod.Options{Unshared: true})

	if got := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 4, BlockSize: 1}); got != int32(parallel.StatusInvalidArgument) {
		t.Errorf("parallel_for = %d, want %d", got, parallel.StatusInvalidArgument)
	}
	if got := call(t, inst, "thread.spawn", testmod.SlotEntry, 1); got != int32(parallel.StatusInvalidArgument) {
		t.Errorf("thread.spawn = %d, want %d", got, parallel.StatusInvalidArgument)
	}
	if got := word(t, inst, testmod.CounterAddr); got != 0 {
		t.Errorf("kernel ran %d times", got)
	}
}

func TestThreadSpawn(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, newEngine(t, Config{}), testmod.Options{})

	id := call(t, inst, "thread.spawn", testmod.SlotEntry, 77)
	if id != 1 {
		t.Fatalf("thread.spawn = %d, want id 1", id)
	}
	if err := inst.Join(ctx, uint32(id)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := word(t, inst, testmod.SpawnSlotAddr); got != 77 {
		t.Errorf("spawned thread wrote %d, want 77", got)
	}

	id2 := call(t, inst, "thread.spawn", testmod.SlotEntry, 78)
	if id2 != 2 {
		t.Errorf("second id = %d, want 2", id2)
	}
	if err := inst.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := word(t, inst, testmod.SpawnCountAddr); got != 2 {
		t.Errorf("entry ran %d times, want 2", got)
	}
	if inst.LiveThreads() != 0 {
		t.Errorf("LiveThreads() = %d", inst.LiveThreads())
	}
}

func TestThreadSpawn_TrapIsIsolated(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, newEngine(t, Config{}), testmod.Options{})

	id := call(t, inst, "thread.spawn", testmod.SlotEntryTrap, 0)
	if id < 1 {
		t.Fatalf("thread.spawn = %d, want an id", id)
	}
	if err := inst.Join(ctx, uint32(id)); errors.KindOf(err) != errors.KindTrap {
		t.Fatalf("Join = %v, want trap", err)
	}
	if got := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 4, BlockSize: 2}); got != 0 {
		t.Errorf("instance unusable after thread trap: parallel_for = %d", got)
	}
}

func TestThreadSpawn_InvalidEntry(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{}), testmod.Options{})
	for _, entry := range []uint32{0, testmod.SlotMark, testmod.SlotWrongSig, 500} {
		if got := call(t, inst, "thread.spawn", entry, 1); got != int32(parallel.StatusInvalidKernel) {
			t.Errorf("thread.spawn(%d) = %d, want %d", entry, got, parallel.StatusInvalidKernel)
		}
	}
}

func TestResourceExhaustion(t *testing.T) {
	e := newEngine(t, Config{MaxThreads: 1})
	inst := newInstance(t, e, testmod.Options{})

	held := e.Budget().TryAcquire(1)
	if held != 1 {
		t.Fatalf("TryAcquire = %d", held)
	}
	if got := call(t, inst, "thread.spawn", testmod.SlotEntry, 5); got != int32(parallel.StatusResourceExhausted) {
		t.Errorf("thread.spawn = %d, want %d", got, parallel.StatusResourceExhausted)
	}
	if got := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 8, BlockSize: 1}); got != int32(parallel.StatusResourceExhausted) {
		t.Errorf("parallel_for = %d, want %d", got, parallel.StatusResourceExhausted)
	}
	if got := word(t, inst, testmod.CounterAddr); got != 0 {
		t.Errorf("kernel ran %d times with no budget", got)
	}

	e.Budget().Release(held)
	if got := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 8, BlockSize: 1}); got != 0 {
		t.Errorf("parallel_for after release = %d", got)
	}
}

func TestInstance_Close(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	mod, err := e.LoadModule(ctx, testmod.MustBuild(t, testmod.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	inst, err := mod.Instantiate(ctx, &InstanceConfig{Name: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Name() != "worker" {
		t.Errorf("Name() = %q", inst.Name())
	}
	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := inst.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := inst.Call(ctx, FuncHWConcurrency); errors.KindOf(err) != errors.KindClosed {
		t.Errorf("Call after Close = %v", err)
	}
	if _, err := inst.Spawn(ctx, testmod.SlotEntry, 0); parallel.StatusOf(err) != parallel.StatusNotReady {
		t.Errorf("Spawn after Close = %v", err)
	}
}

func TestInstance_CloseWaitsForParallelFor(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{Concurrency: 2})
	inst := newInstance(t, e, testmod.Options{})

	type outcome struct {
		res parallel.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := inst.ParallelFor(ctx, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: testmod.MaxMarks, BlockSize: 1})
		done <- outcome{res, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for e.Budget().InUse() == 0 && len(done) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("parallel_for never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("parallel_for under Close: %v", o.err)
		}
		if o.res.Partitions != testmod.MaxMarks || o.res.Closed != 0 || o.res.Trapped != 0 {
			t.Errorf("result = %+v, want every partition run", o.res)
		}
	default:
		t.Fatal("Close returned while parallel_for was running")
	}
	if got := e.Budget().InUse(); got != 0 {
		t.Errorf("budget in use after Close = %d", got)
	}

	_, err := inst.ParallelFor(ctx, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 1, BlockSize: 1})
	if parallel.StatusOf(err) != parallel.StatusNotReady {
		t.Errorf("parallel_for after Close = %v, want status %d", err, parallel.StatusNotReady)
	}
}

func TestParallelFor_Sequential(t *testing.T) {
	e := newEngine(t, Config{Concurrency: 8, Sequential: true})
	inst := newInstance(t, e, testmod.Options{})

	const n, block = 100, 8
	if status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: n, BlockSize: block}); status != 0 {
		t.Fatalf("parallel_for = %d", status)
	}
	for i := uint32(0); i < n; i++ {
		if got := word(t, inst, testmod.MarksAddr+4*i); got != 1 {
			t.Fatalf("iteration %d ran %d times", i, got)
		}
	}
	if got := word(t, inst, testmod.CounterAddr); got != (n+block-1)/block {
		t.Errorf("invocations = %d, want %d", got, (n+block-1)/block)
	}
}

// loadKernelModule writes bin into the guest's scratch area and returns
// parallel_for arguments naming it as the kernel.
func loadKernelModule(t *testing.T, inst *Instance, bin []byte, n, block uint32) ParallelForArgs {
	t.Helper()
	if len(bin) > testmod.MarksAddr-testmod.ScratchAddr {
		t.Fatalf("kernel module of %d bytes does not fit the scratch area", len(bin))
	}
	if err := inst.Memory().Write(testmod.ScratchAddr, bin); err != nil {
		t.Fatal(err)
	}
	return ParallelForArgs{KernelStart: testmod.ScratchAddr, KernelLen: uint32(len(bin)), Iterations: n, BlockSize: block}
}

func TestParallelFor_KernelModule(t *testing.T) {
	tests := []struct {
		name string
		opts testmod.Options
	}{
		{name: "defined memory"},
		{name: "imported memory", opts: testmod.Options{ImportMemory: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newInstance(t, newEngine(t, Config{Concurrency: 4}), tt.opts)
			bin := testmod.MustKernelModule(t, testmod.KernelOptions{})

			const n, block = 200, 9
			if status := parallelFor(t, inst, loadKernelModule(t, inst, bin, n, block)); status != 0 {
				t.Fatalf("parallel_for = %d", status)
			}
			for i := uint32(0); i < n; i++ {
				if got := word(t, inst, testmod.MarksAddr+4*i); got != 1 {
					t.Fatalf("iteration %d ran %d times", i, got)
				}
			}
			if got := word(t, inst, testmod.CounterAddr); got != (n+block-1)/block {
				t.Errorf("invocations = %d, want %d", got, (n+block-1)/block)
			}

			// The module is released after the call; a second call compiles it again.
			if status := parallelFor(t, inst, loadKernelModule(t, inst, bin, n, block)); status != 0 {
				t.Fatalf("second parallel_for = %d", status)
			}
			if got := word(t, inst, testmod.MarksAddr); got != 2 {
				t.Errorf("iteration 0 ran %d times over two calls", got)
			}
		})
	}
}

func TestParallelFor_KernelModuleRejected(t *testing.T) {
	tests := []struct {
		name string
		opts testmod.KernelOptions
		want parallel.Status
	}{
		{name: "unshared memory import", opts: testmod.KernelOptions{Unshared: true}, want: parallel.StatusInvalidArgument},
		{name: "no memory import", opts: testmod.KernelOptions{NoMemory: true}, want: parallel.StatusInvalidArgument},
		{name: "missing kernel export", opts: testmod.KernelOptions{ExportName: "run"}, want: parallel.StatusInvalidKernel},
		{name: "wrong kernel signature", opts: testmod.KernelOptions{WrongSignature: true}, want: parallel.StatusInvalidKernel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newInstance(t, newEngine(t, Config{Concurrency: 2}), testmod.Options{})
			bin := testmod.MustKernelModule(t, tt.opts)

			if got := parallelFor(t, inst, loadKernelModule(t, inst, bin, 4, 1)); got != int32(tt.want) {
				t.Errorf("parallel_for = %d, want %d", got, tt.want)
			}
			if got := word(t, inst, testmod.CounterAddr); got != 0 {
				t.Errorf("kernel ran %d times", got)
			}
		})
	}
}

func TestEngine_CloseTwice(t *testing.T) {
	ctx := context.Background()
	e, err := NewWithConfig(ctx, &Config{Interpreter: true, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLoadModule_Errors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})

	if _, err := e.LoadModule(ctx, []byte("garbage")); err == nil {
		t.Error("expected error for garbage input")
	}

	unknown := wasmbin.NewBuilder()
	unknown.ImportFunc(HostModuleName, "thread.join", wasmbin.FuncType{Params: i32s(1)})
	bin, err := unknown.Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.LoadModule(ctx, bin); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("unknown host import: %v", err)
	}

	wrong := wasmbin.NewBuilder()
	wrong.ImportFunc(HostModuleName, FuncHWConcurrency, wasmbin.FuncType{Results: []api.ValueType{api.ValueTypeI64}})
	bin, err = wrong.Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.LoadModule(ctx, bin); errors.KindOf(err) != errors.KindSignatureMismatch {
		t.Errorf("mistyped host import: %v", err)
	}

	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.LoadModule(ctx, testmod.MustBuild(t, testmod.Options{})); errors.KindOf(err) != errors.KindClosed {
		t.Errorf("LoadModule after Close = %v", err)
	}
}

func TestModule_Introspection(t *testing.T) {
	e := newEngine(t, Config{})
	mod, err := e.LoadModule(context.Background(), testmod.MustBuild(t, testmod.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	if !mod.SharedMemory() {
		t.Error("SharedMemory() = false")
	}
	found := false
	for _, fe := range mod.Exports() {
		if fe.Name == FuncParallelFor {
			found = true
			if fe.Type.String() != "(i32, i32, i32, i32, i32, i32, i32, i32) -> (i32)" {
				t.Errorf("parallel_for export type = %s", fe.Type)
			}
		}
	}
	if !found {
		t.Error("parallel_for re-export not listed")
	}
}

func TestEnableWASI(t *testing.T) {
	inst := newInstance(t, newEngine(t, Config{EnableWASI: true, Concurrency: 2}), testmod.Options{})
	if got := call(t, inst, FuncHWConcurrency); got != 2 {
		t.Fatalf("hw_concurrency = %d", got)
	}
	if status := parallelFor(t, inst, ParallelForArgs{KernelStart: testmod.SlotMark, Iterations: 6, BlockSize: 3}); status != 0 {
		t.Fatalf("parallel_for = %d", status)
	}
}
