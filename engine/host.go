package engine

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
	"github.com/wippyai/wasm-parallel/kernel"
	"github.com/wippyai/wasm-parallel/memory"
	"github.com/wippyai/wasm-parallel/parallel"
)

// HostModuleName is the import namespace of the parallel host functions.
const HostModuleName = "wasi_parallel"

// Host function names.
const (
	FuncHWConcurrency = "hw_concurrency"
	FuncThreadSpawn   = "thread.spawn"
	FuncParallelFor   = "parallel_for"
)

var i32 = api.ValueTypeI32

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = i32
	}
	return out
}

var hostSignatures = map[string]wasmbin.FuncType{
	FuncHWConcurrency: {Results: i32s(1)},
	FuncThreadSpawn:   {Params: i32s(2), Results: i32s(1)},
	FuncParallelFor:   {Params: i32s(8), Results: i32s(1)},
}

// ParallelForArgs are the eight i32 parameters of parallel_for.
type ParallelForArgs struct {
	// KernelStart is a table index when KernelLen is 0. Otherwise it is
	// the address of a kernel module binary or of a kernel export name.
	KernelStart uint32
	KernelLen   uint32
	Iterations  uint32
	BlockSize   uint32
	// InStart and InLen locate the input descriptor array; lengths count
	// 32-bit words, two per descriptor.
	InStart  uint32
	InLen    uint32
	OutStart uint32
	OutLen   uint32
}

// registerHost instantiates the host module bound to inst.
func (inst *Instance) registerHost(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(HostModuleName)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeU32(inst.engine.Concurrency())
		}), nil, i32s(1)).
		Export(FuncHWConcurrency)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			id, err := inst.Spawn(ctx, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			if err != nil {
				stack[0] = parallel.StatusOf(err).I32()
				return
			}
			stack[0] = api.EncodeU32(id)
		}), i32s(2), i32s(1)).
		WithParameterNames("entry", "context").
		Export(FuncThreadSpawn)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			_, err := inst.ParallelFor(ctx, ParallelForArgs{
				KernelStart: api.DecodeU32(stack[0]),
				KernelLen:   api.DecodeU32(stack[1]),
				Iterations:  api.DecodeU32(stack[2]),
				BlockSize:   api.DecodeU32(stack[3]),
				InStart:     api.DecodeU32(stack[4]),
				InLen:       api.DecodeU32(stack[5]),
				OutStart:    api.DecodeU32(stack[6]),
				OutLen:      api.DecodeU32(stack[7]),
			})
			stack[0] = parallel.StatusOf(err).I32()
		}), i32s(8), i32s(1)).
		WithParameterNames("kernel_start", "kernel_len", "num_iterations", "block_size",
			"in_buffers_start", "in_buffers_len", "out_buffers_start", "out_buffers_len").
		Export(FuncParallelFor)

	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Registration(errors.PhaseHost, HostModuleName, "*", err)
	}
	return nil
}

// requireShared fails unless the instance is ready and its memory shared.
func (inst *Instance) requireShared(phase errors.Phase) error {
	if !inst.ready.Load() {
		return errors.NotInitialized(phase, "instance "+inst.name)
	}
	if inst.region == nil {
		return errors.Unsupported(phase, "guest has no linear memory")
	}
	if !inst.region.Shared() {
		return errors.Unsupported(phase, "guest memory is not shared")
	}
	return nil
}

// Spawn starts the function at table slot entry on a new thread with arg.
// It is what thread.spawn calls.
func (inst *Instance) Spawn(ctx context.Context, entry, arg uint32) (uint32, error) {
	if err := inst.requireShared(errors.PhaseSpawn); err != nil {
		return 0, err
	}
	h, err := inst.module.resolver.ByIndex(entry, kernel.SpawnSignature)
	if err != nil {
		inst.log.Debug("spawn entry rejected", zap.Uint32("entry", entry), zap.Error(err))
		return 0, err
	}
	return inst.spawner.Spawn(ctx, h, arg)
}

// ParallelFor resolves the kernel and descriptors in args and runs the
// kernel over [0, Iterations). It is what parallel_for calls. Close waits
// for calls in progress and rejects new ones.
func (inst *Instance) ParallelFor(ctx context.Context, args ParallelForArgs) (parallel.Result, error) {
	if err := inst.enter(errors.PhaseValidate); err != nil {
		return parallel.Result{}, err
	}
	defer inst.inflight.Done()

	if err := inst.requireShared(errors.PhaseValidate); err != nil {
		return parallel.Result{}, err
	}
	if args.BlockSize == 0 {
		return parallel.Result{}, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Path("block_size").
			Detail("block size must be positive").
			Build()
	}

	src, err := inst.kernelSource(args.KernelStart, args.KernelLen)
	if err != nil {
		return parallel.Result{}, err
	}
	in, err := memory.LoadBufferSet(inst.region, "in_buffers", args.InStart, args.InLen)
	if err != nil {
		return parallel.Result{}, err
	}
	out, err := memory.LoadBufferSet(inst.region, "out_buffers", args.OutStart, args.OutLen)
	if err != nil {
		return parallel.Result{}, err
	}

	req := parallel.Request{
		Iterations: args.Iterations,
		BlockSize:  args.BlockSize,
		In:         in,
		Out:        out,
	}
	if src.module == nil {
		h, err := inst.resolveKernel(src)
		if err != nil {
			return parallel.Result{}, err
		}
		req.Kernel = h
		return inst.scheduler.ParallelFor(ctx, req)
	}

	mk, err := inst.compileKernelModule(ctx, src.module)
	if err != nil {
		return parallel.Result{}, err
	}
	defer func() {
		if cerr := mk.Close(ctx); cerr != nil {
			inst.log.Warn("closing kernel module", zap.Error(cerr))
		}
	}()
	req.Kernel = mk.Handle()
	req.Invoker = mk
	return inst.scheduler.ParallelFor(ctx, req)
}

// kernelSource is the decoded kernel argument of parallel_for: a table
// index, an export name, or a kernel module binary.
type kernelSource struct {
	name   string
	module []byte
	index  uint32
	byName bool
}

func (inst *Instance) kernelSource(start, length uint32) (kernelSource, error) {
	if length == 0 {
		return kernelSource{index: start}, nil
	}
	if err := inst.region.Check([]string{"kernel"}, start, length); err != nil {
		return kernelSource{}, err
	}
	b, err := inst.region.Read(start, length)
	if err != nil {
		return kernelSource{}, err
	}
	if wasmbin.IsModule(b) {
		return kernelSource{module: b}, nil
	}
	if !utf8.Valid(b) {
		return kernelSource{}, errors.InvalidData(errors.PhaseResolve, []string{"kernel"}, "kernel name is not valid UTF-8")
	}
	return kernelSource{name: string(b), byName: true}, nil
}

func (inst *Instance) resolveKernel(src kernelSource) (kernel.Handle, error) {
	allowed := []wasmbin.FuncType{kernel.KernelSignature, kernel.KernelOutSignature}
	if src.byName {
		return inst.module.resolver.ByName(src.name, allowed...)
	}
	return inst.module.resolver.ByIndex(src.index, allowed...)
}

// compileKernelModule binds a kernel module to the guest's memory: the
// provider export when the guest imports its memory, otherwise the guest's
// own memory export.
func (inst *Instance) compileKernelModule(ctx context.Context, bin []byte) (*kernel.ModuleKernel, error) {
	var ref kernel.MemoryRef
	if imp := inst.module.memImport; imp != nil {
		ref = kernel.MemoryRef{Module: imp.Module, Name: imp.Name}
	} else {
		name, ok := inst.module.parsed.ExportName(wasmbin.ExternMemory, 0)
		if !ok {
			return nil, errors.Unsupported(errors.PhaseResolve, "guest memory is not exported")
		}
		ref = kernel.MemoryRef{Module: inst.name, Name: name}
	}
	prefix := fmt.Sprintf("%s$kernel%d.", inst.name, inst.kernelSeq.Add(1))
	mk, err := kernel.CompileModule(ctx, inst.runtime, bin, ref, prefix)
	if err != nil {
		inst.log.Debug("kernel module rejected", zap.Error(err))
		return nil, err
	}
	return mk, nil
}
