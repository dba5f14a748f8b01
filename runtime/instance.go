package runtime

import (
	"context"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/memory"
	"github.com/wippyai/wasm-parallel/parallel"
)

type Instance struct {
	module *Module
	inst   *engine.Instance
}

// Call invokes an exported function, converting args and results with the
// types from Module.Signature. Multiple results come back as []any.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	if i.module == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "module")
	}
	params, results, err := i.module.Signature(name)
	if err != nil {
		return nil, err
	}
	return i.CallWithTypes(ctx, name, params, results, args...)
}

// CallWithTypes invokes an exported function with explicit WIT types.
func (i *Instance) CallWithTypes(ctx context.Context, name string, params, results []wit.Type, args ...any) (any, error) {
	raw, err := lowerArgs(params, args)
	if err != nil {
		return nil, err
	}
	out, err := i.inst.Call(ctx, name, raw...)
	if err != nil {
		return nil, err
	}
	return liftResults(results, out)
}

// CallRaw invokes an exported function with core values.
func (i *Instance) CallRaw(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	return i.inst.Call(ctx, name, params...)
}

// ParallelFor runs a kernel the way the guest's parallel_for import does.
func (i *Instance) ParallelFor(ctx context.Context, args engine.ParallelForArgs) (parallel.Result, error) {
	return i.inst.ParallelFor(ctx, args)
}

// Spawn starts the thread entry at table slot entry with arg.
func (i *Instance) Spawn(ctx context.Context, entry, arg uint32) (uint32, error) {
	return i.inst.Spawn(ctx, entry, arg)
}

// Join waits for a spawned thread and returns its trap, if any.
func (i *Instance) Join(ctx context.Context, id uint32) error {
	return i.inst.Join(ctx, id)
}

// Wait blocks until every spawned thread has returned.
func (i *Instance) Wait(ctx context.Context) error {
	return i.inst.Wait(ctx)
}

func (i *Instance) LiveThreads() int {
	return i.inst.LiveThreads()
}

// Memory returns the guest's linear memory, or nil.
func (i *Instance) Memory() *memory.Region {
	return i.inst.Memory()
}

// Engine returns the engine-level instance.
func (i *Instance) Engine() *engine.Instance {
	return i.inst
}

func (i *Instance) Close(ctx context.Context) error {
	return i.inst.Close(ctx)
}
