// Package testmod synthesizes guest modules for tests. Guests use atomics for
// every shared write so the race detector stays quiet while partitions and
// spawned threads run concurrently.
package testmod

import (
	"testing"

	"github.com/tetratelabs/wazero/api"

	w "github.com/wippyai/wasm-parallel/internal/wasmbin"
)

// HostModule is the import namespace of the parallel host functions.
const HostModule = "wasi_parallel"

// TableExport is the name guests export their function table under.
const TableExport = "__indirect_function_table"

// Memory layout shared by every fixture.
const (
	// CounterAddr counts completed kernel invocations.
	CounterAddr = 0
	// LastWriterAddr holds start+1 of the last KernelLast partition.
	LastWriterAddr = 4
	// SpawnSlotAddr receives the context of EntryStore.
	SpawnSlotAddr = 8
	// SpawnCountAddr counts EntryStore runs.
	SpawnCountAddr = 12
	// ScratchAddr is free for test data such as descriptors and names.
	ScratchAddr = 256
	// MarksAddr is where KernelMark adds 1 to a word per iteration.
	MarksAddr = 4096
	// MaxMarks is the number of iterations KernelMark can record.
	MaxMarks = 8192
)

// Function table slots. Slot 0 is null as LLVM leaves it.
const (
	SlotMark      = 1 // (start, count, in) -> () marks each iteration
	SlotLast      = 2 // (start, count, in) -> () stores start+1 at LastWriterAddr
	SlotTrap      = 3 // (start, count, in) -> () traps when start == TrapStart
	SlotEntry     = 4 // (ctx) -> () stores ctx at SpawnSlotAddr
	SlotEntryTrap = 5 // (ctx) -> () traps
	SlotWrongSig  = 6 // () -> ()
	SlotOut       = 7 // (start, count, in, out) -> () adds count at out[0].start
	TableSize     = 8
)

// TrapStart is the partition start at which KernelTrap traps.
const TrapStart = 4

// Exported kernel names.
const (
	ExportMark = "kernel_mark"
	ExportOut  = "kernel_out"
	ExportLast = "kernel_last"
)

// Options varies the fixture.
type Options struct {
	// Standalone omits the host imports and their re-exports.
	Standalone bool
	// ImportMemory imports memory from env.memory instead of defining it.
	ImportMemory bool
	// Unshared declares a memory without the shared flag.
	Unshared bool
	// PrivateTable keeps the function table unexported.
	PrivateTable bool
	// MaxPages is the memory maximum; defaults to 4.
	MaxPages uint32
}

var i32 = api.ValueTypeI32

func params(n int) []api.ValueType {
	p := make([]api.ValueType, n)
	for i := range p {
		p[i] = i32
	}
	return p
}

var (
	entrySig  = w.FuncType{Params: params(1)}
	kernelSig = w.FuncType{Params: params(3)}
	outSig    = w.FuncType{Params: params(4)}
)

func countInvocation() []byte {
	return w.Code(w.I32Const(CounterAddr), w.I32Const(1), w.I32AtomicRMWAdd(0), w.Drop())
}

// markBody adds 1 to the mark of every iteration in [start, start+count).
// It uses locals 3 (i) and 4 (end).
func markBody() []byte {
	return w.Code(
		w.LocalGet(0), w.LocalSet(3),
		w.LocalGet(0), w.LocalGet(1), w.I32Add(), w.LocalSet(4),
		w.Block(), w.Loop(),
		w.LocalGet(3), w.LocalGet(4), w.I32GeU(), w.BrIf(1),
		w.LocalGet(3), w.I32Const(4), w.I32Mul(), w.I32Const(1), w.I32AtomicRMWAdd(MarksAddr), w.Drop(),
		w.LocalGet(3), w.I32Const(1), w.I32Add(), w.LocalSet(3),
		w.Br(0),
		w.End(), w.End(),
		countInvocation(),
	)
}

// Build encodes the guest described by opts.
func Build(opts Options) ([]byte, error) {
	b := w.NewBuilder()

	maxPages := opts.MaxPages
	if maxPages == 0 {
		maxPages = 4
	}

	var hostFns []struct {
		name string
		idx  uint32
		ft   w.FuncType
	}
	if !opts.Standalone {
		for _, f := range []struct {
			name string
			ft   w.FuncType
		}{
			{"hw_concurrency", w.FuncType{Results: params(1)}},
			{"thread.spawn", w.FuncType{Params: params(2), Results: params(1)}},
			{"parallel_for", w.FuncType{Params: params(8), Results: params(1)}},
		} {
			idx := b.ImportFunc(HostModule, f.name, f.ft)
			hostFns = append(hostFns, struct {
				name string
				idx  uint32
				ft   w.FuncType
			}{f.name, idx, f.ft})
		}
	}

	memType := w.MemoryType{Min: 1, Max: maxPages, HasMax: true, Shared: !opts.Unshared}
	var mem uint32
	if opts.ImportMemory {
		mem = b.ImportMemory("env", "memory", memType)
	} else {
		mem = b.AddMemory(memType)
	}
	b.Export("memory", w.ExternMemory, mem)

	// Re-export each host function under its own name so tests can call the
	// host surface the way a guest would.
	for _, f := range hostFns {
		body := make([][]byte, 0, len(f.ft.Params)+1)
		for i := range f.ft.Params {
			body = append(body, w.LocalGet(uint32(i)))
		}
		body = append(body, w.Call(f.idx))
		fn := b.AddFunc(f.ft, nil, w.Code(body...))
		b.Export(f.name, w.ExternFunc, fn)
	}

	mark := b.AddFunc(kernelSig, params(2), markBody())
	last := b.AddFunc(kernelSig, nil, w.Code(
		w.I32Const(LastWriterAddr), w.LocalGet(0), w.I32Const(1), w.I32Add(), w.I32AtomicStore(0),
		countInvocation(),
	))
	trap := b.AddFunc(kernelSig, nil, w.Code(
		w.LocalGet(0), w.I32Const(TrapStart), w.I32Eq(), w.If(), w.Unreachable(), w.End(),
		countInvocation(),
	))
	entry := b.AddFunc(entrySig, nil, w.Code(
		w.I32Const(SpawnSlotAddr), w.LocalGet(0), w.I32AtomicStore(0),
		w.I32Const(SpawnCountAddr), w.I32Const(1), w.I32AtomicRMWAdd(0), w.Drop(),
	))
	entryTrap := b.AddFunc(entrySig, nil, w.Unreachable())
	wrong := b.AddFunc(w.FuncType{}, nil, nil)
	out := b.AddFunc(outSig, nil, w.Code(
		w.LocalGet(3), w.I32Load(0), w.LocalGet(1), w.I32AtomicRMWAdd(0), w.Drop(),
		countInvocation(),
	))

	table := b.AddTable(w.TableType{Min: TableSize, Max: TableSize, HasMax: true})
	b.AddElement(table, SlotMark, mark, last, trap, entry, entryTrap, wrong, out)
	if !opts.PrivateTable {
		b.Export(TableExport, w.ExternTable, table)
	}
	b.Export(ExportMark, w.ExternFunc, mark)
	b.Export(ExportLast, w.ExternFunc, last)
	b.Export(ExportOut, w.ExternFunc, out)

	return b.Build()
}

// MustBuild is Build for tests.
func MustBuild(t testing.TB, opts Options) []byte {
	t.Helper()
	bin, err := Build(opts)
	if err != nil {
		t.Fatalf("build guest: %v", err)
	}
	return bin
}

// KernelOptions varies the kernel module built by KernelModule.
type KernelOptions struct {
	// ExportName overrides the export name of the kernel; defaults to "kernel".
	ExportName string
	// Unshared imports the memory without the shared flag.
	Unshared bool
	// NoMemory drops the memory import.
	NoMemory bool
	// WrongSignature gives the kernel a () -> () signature.
	WrongSignature bool
	// MaxPages is the maximum of the memory import; defaults to 4.
	MaxPages uint32
}

// KernelModule encodes a standalone kernel module. Its kernel marks each
// iteration at MarksAddr and counts invocations at CounterAddr, like
// KernelMark, through a memory imported from ("kernel_env", "memory").
func KernelModule(opts KernelOptions) ([]byte, error) {
	b := w.NewBuilder()
	if !opts.NoMemory {
		maxPages := opts.MaxPages
		if maxPages == 0 {
			maxPages = 4
		}
		b.ImportMemory("kernel_env", "memory", w.MemoryType{Min: 1, Max: maxPages, HasMax: true, Shared: !opts.Unshared})
	}

	var fn uint32
	if opts.WrongSignature {
		fn = b.AddFunc(w.FuncType{}, nil, w.Code())
	} else {
		fn = b.AddFunc(kernelSig, params(2), markBody())
	}
	name := opts.ExportName
	if name == "" {
		name = "kernel"
	}
	b.Export(name, w.ExternFunc, fn)
	return b.Build()
}

// MustKernelModule is KernelModule for tests.
func MustKernelModule(t testing.TB, opts KernelOptions) []byte {
	t.Helper()
	bin, err := KernelModule(opts)
	if err != nil {
		t.Fatalf("build kernel module: %v", err)
	}
	return bin
}
