package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

// ModuleExport is the function a kernel module must export.
const ModuleExport = "kernel"

// MemoryRef names the module and export that a kernel module's memory
// import is rebound to.
type MemoryRef struct {
	Module string
	Name   string
}

// ModuleKernel is a standalone kernel module bound to a guest's memory. It is
// compiled once per call; concurrent invocations each take their own
// instance of it, so module globals are per worker while memory is shared.
type ModuleKernel struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	handle   Handle
	prefix   string
	seq      atomic.Uint32

	mu     sync.Mutex
	idle   []api.Module
	all    []api.Module
	closed bool
}

// CompileModule checks that bin imports exactly one shared memory and
// exports "kernel" with a kernel signature, rebinds the memory import to mem
// and compiles the result in rt. One instance is created up front so import
// mismatches fail here rather than inside a partition. Instances are named
// prefix followed by a sequence number.
func CompileModule(ctx context.Context, rt wazero.Runtime, bin []byte, mem MemoryRef, prefix string) (*ModuleKernel, error) {
	parsed, err := wasmbin.Parse(bin)
	if err != nil {
		return nil, err
	}
	if len(parsed.Imports) != 1 || parsed.Imports[0].Kind != wasmbin.ExternMemory {
		return nil, errors.Unsupported(errors.PhaseResolve, "kernel module must import exactly one memory")
	}
	if !parsed.Imports[0].Memory.Shared {
		return nil, errors.Unsupported(errors.PhaseResolve, "kernel module memory import is not shared")
	}

	resolver, err := NewResolver(parsed)
	if err != nil {
		return nil, err
	}
	h, err := resolver.ByName(ModuleExport, KernelSignature, KernelOutSignature)
	if err != nil {
		return nil, err
	}
	h.Source = SourceModule

	rebound, err := wasmbin.RewriteImports(bin, func(wasmbin.Import) (string, string) {
		return mem.Module, mem.Name
	})
	if err != nil {
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, rebound)
	if err != nil {
		return nil, errors.Load("compile kernel module", err)
	}

	k := &ModuleKernel{rt: rt, compiled: compiled, handle: h, prefix: prefix}
	first, err := k.instantiate(ctx)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, errors.Wrap(errors.PhaseResolve, errors.KindInvalidInput, err, "bind kernel module to guest memory")
	}
	k.idle = append(k.idle, first)
	return k, nil
}

// Handle returns the checked kernel export.
func (k *ModuleKernel) Handle() Handle { return k.handle }

// Instances returns how many instances of the module were created.
func (k *ModuleKernel) Instances() int { return int(k.seq.Load()) }

func (k *ModuleKernel) instantiate(ctx context.Context) (api.Module, error) {
	name := fmt.Sprintf("%s%d", k.prefix, k.seq.Add(1))
	mod, err := k.rt.InstantiateModule(ctx, k.compiled, wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions())
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.all = append(k.all, mod)
	k.mu.Unlock()
	return mod, nil
}

func (k *ModuleKernel) acquire(ctx context.Context) (api.Module, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, errors.Closed(errors.PhaseDispatch, "kernel module")
	}
	if n := len(k.idle); n > 0 {
		mod := k.idle[n-1]
		k.idle = k.idle[:n-1]
		k.mu.Unlock()
		return mod, nil
	}
	k.mu.Unlock()

	mod, err := k.instantiate(ctx)
	if err != nil {
		return nil, errors.Instantiation("kernel module", err)
	}
	return mod, nil
}

func (k *ModuleKernel) release(mod api.Module) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.closed {
		k.idle = append(k.idle, mod)
	}
}

// Invoke runs the kernel export with args on an idle instance, creating one
// when every instance is busy. h is only used for its arity.
func (k *ModuleKernel) Invoke(ctx context.Context, h Handle, args ...uint32) error {
	if len(args) != k.handle.Arity() || h.Arity() != k.handle.Arity() {
		return errors.New(errors.PhaseDispatch, errors.KindInvalidInput).
			Detail("%s takes %d arguments, got %d", k.handle, k.handle.Arity(), len(args)).
			Build()
	}
	mod, err := k.acquire(ctx)
	if err != nil {
		return err
	}
	defer k.release(mod)

	params := make([]uint64, len(args))
	for i, a := range args {
		params[i] = api.EncodeU32(a)
	}
	if _, err := mod.ExportedFunction(ModuleExport).Call(ctx, params...); err != nil {
		return errors.Trap(err, k.handle.String())
	}
	return nil
}

// Close closes every instance and the compiled module. Invocations started
// afterwards fail with KindClosed.
func (k *ModuleKernel) Close(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	mods := k.all
	k.all, k.idle = nil, nil
	k.mu.Unlock()

	var err error
	for _, mod := range mods {
		err = multierr.Append(err, mod.Close(ctx))
	}
	return multierr.Append(err, k.compiled.Close(ctx))
}
