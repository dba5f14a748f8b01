package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
	"github.com/wippyai/wasm-parallel/kernel"
)

// Module is a validated guest binary ready to be instantiated.
type Module struct {
	engine    *Engine
	parsed    *wasmbin.Module
	resolver  *kernel.Resolver
	memImport *wasmbin.Import
	bin       []byte
	memType   wasmbin.MemoryType
	hasMemory bool
}

func newModule(ctx context.Context, e *Engine, bin []byte) (*Module, error) {
	parsed, err := wasmbin.Parse(bin)
	if err != nil {
		return nil, errors.Load("parse module", err)
	}
	if err := checkHostImports(parsed); err != nil {
		return nil, err
	}

	compiled, err := e.validator.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	_ = compiled.Close(ctx)

	resolver, err := kernel.NewResolver(parsed)
	if err != nil {
		return nil, err
	}

	m := &Module{engine: e, parsed: parsed, resolver: resolver, bin: bin}
	m.memType, m.memImport, m.hasMemory = parsed.Memory()
	if m.memImport != nil {
		imp := *m.memImport
		m.memImport = &imp
	}

	e.log.Debug("module loaded",
		zap.Int("imports", len(parsed.Imports)),
		zap.Bool("shared_memory", m.SharedMemory()),
		zap.Bool("imported_memory", m.memImport != nil),
		zap.Uint32("table_slots", resolver.Table().Len()))
	return m, nil
}

// checkHostImports rejects imports from the host namespace that the host
// does not provide, or with the wrong signature.
func checkHostImports(parsed *wasmbin.Module) error {
	for _, imp := range parsed.Imports {
		if imp.Module != HostModuleName {
			continue
		}
		want, ok := hostSignatures[imp.Name]
		if !ok || imp.Kind != wasmbin.ExternFunc {
			return errors.NotFound(errors.PhaseLoad, HostModuleName+" import", imp.Name)
		}
		if int(imp.TypeIndex) >= len(parsed.Types) {
			return errors.IndexOutOfRange(errors.PhaseLoad, "type", imp.TypeIndex, uint32(len(parsed.Types)))
		}
		if got := parsed.Types[imp.TypeIndex]; !got.Equal(want) {
			return errors.SignatureMismatch(errors.PhaseLoad, HostModuleName+"."+imp.Name, got.String(), want.String())
		}
	}
	return nil
}

// Parsed returns the decoded sections of the guest.
func (m *Module) Parsed() *wasmbin.Module { return m.parsed }

// Resolver returns the kernel resolver for the guest.
func (m *Module) Resolver() *kernel.Resolver { return m.resolver }

// Memory returns the guest's memory type and whether it has one.
func (m *Module) Memory() (wasmbin.MemoryType, bool) { return m.memType, m.hasMemory }

// SharedMemory reports whether the guest declares a shared memory, which
// thread.spawn and parallel_for require.
func (m *Module) SharedMemory() bool { return m.hasMemory && m.memType.Shared }

// Exports returns the guest's exported functions with their signatures.
func (m *Module) Exports() []FuncExport {
	var out []FuncExport
	for _, e := range m.parsed.Exports {
		if e.Kind != wasmbin.ExternFunc {
			continue
		}
		ft, ok := m.parsed.FunctionType(e.Index)
		if !ok {
			continue
		}
		out = append(out, FuncExport{Name: e.Name, Type: ft})
	}
	return out
}

// FuncExport is an exported guest function.
type FuncExport struct {
	Name string
	Type wasmbin.FuncType
}
