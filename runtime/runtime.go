package runtime

import (
	"context"
	"os"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

type Runtime struct {
	engine *engine.Engine
}

func New(ctx context.Context) (*Runtime, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates a runtime whose engine uses cfg.
func NewWithConfig(ctx context.Context, cfg *engine.Config) (*Runtime, error) {
	eng, err := engine.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Load("create engine", err)
	}
	return &Runtime{engine: eng}, nil
}

// Close releases all runtime resources.
// All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Engine returns the underlying engine.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// LoadWASM loads a core WebAssembly module.
// witText optionally provides WIT function signatures so Call can convert
// Go values; without it, Call infers conversions from the core signature.
func (r *Runtime) LoadWASM(ctx context.Context, wasm []byte, witText string) (*Module, error) {
	if !wasmbin.IsModule(wasm) {
		return nil, errors.InvalidInput(errors.PhaseLoad, "not a core WebAssembly module")
	}

	mod, err := r.engine.LoadModule(ctx, wasm)
	if err != nil {
		return nil, err
	}
	return &Module{runtime: r, mod: mod, witText: witText}, nil
}

// LoadFile reads path and loads it with LoadWASM.
func (r *Runtime) LoadFile(ctx context.Context, path, witText string) (*Module, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load("read "+path, err)
	}
	return r.LoadWASM(ctx, wasm, witText)
}
