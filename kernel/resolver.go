package kernel

import (
	"strconv"
	"strings"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

// Resolver turns table indices and export names into Handles.
type Resolver struct {
	mod   *wasmbin.Module
	table *FunctionTable
}

// NewResolver builds a resolver over a parsed guest module.
func NewResolver(mod *wasmbin.Module) (*Resolver, error) {
	table, err := NewFunctionTable(mod)
	if err != nil {
		return nil, err
	}
	return &Resolver{mod: mod, table: table}, nil
}

// Table returns the function table snapshot.
func (r *Resolver) Table() *FunctionTable { return r.table }

// ByIndex resolves slot idx of the function table. The function's signature
// must equal one of allowed.
func (r *Resolver) ByIndex(idx uint32, allowed ...wasmbin.FuncType) (Handle, error) {
	if r.table.ExportName() == "" && r.table.Len() > 0 {
		return Handle{}, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Value(idx).
			Detail("function table is not exported").
			Build()
	}
	fn, err := r.table.Lookup(idx)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Source: SourceTable, Index: idx, FuncIndex: fn}
	return r.check(h, allowed)
}

// ByName resolves an exported function. The function's signature must equal
// one of allowed.
func (r *Resolver) ByName(name string, allowed ...wasmbin.FuncType) (Handle, error) {
	fn, ok := r.mod.ExportedFunc(name)
	if !ok {
		return Handle{}, errors.NotFound(errors.PhaseResolve, "exported function", name)
	}
	h := Handle{Source: SourceExport, Name: name, FuncIndex: fn}
	return r.check(h, allowed)
}

func (r *Resolver) check(h Handle, allowed []wasmbin.FuncType) (Handle, error) {
	ft, ok := r.mod.FunctionType(h.FuncIndex)
	if !ok {
		return Handle{}, errors.IndexOutOfRange(errors.PhaseResolve, "function", h.FuncIndex, r.mod.ImportedFuncCount()+uint32(len(r.mod.Funcs)))
	}
	for _, want := range allowed {
		if ft.Equal(want) {
			h.Signature = want
			return h, nil
		}
	}
	return Handle{}, errors.SignatureMismatch(errors.PhaseResolve, h.String(), ft.String(), describe(allowed))
}

func describe(sigs []wasmbin.FuncType) string {
	parts := make([]string, len(sigs))
	for i, s := range sigs {
		parts[i] = s.String()
	}
	return strings.Join(parts, " or ")
}

func itoa(i int) string { return strconv.Itoa(i) }
