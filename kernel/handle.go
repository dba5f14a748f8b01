// Package kernel resolves guest functions into checked, callable handles.
//
// A Handle names a slot of the guest's function table, an exported function
// or the kernel export of a standalone kernel module, together with the
// signature it was checked against. Handles are
// resolved once per call from an immutable FunctionTable snapshot, so an
// out-of-range index or a mismatched signature is a typed error raised before
// any thread starts.
//
// Wazero has no host API for tables. Table slots are called through a small
// synthesized dispatcher module that imports the guest's exported table and
// exports one call_indirect trampoline per supported signature.
package kernel

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

var i32 = api.ValueTypeI32

// Signatures the host knows how to call.
var (
	// SpawnSignature is the thread entry: (context i32) -> ().
	SpawnSignature = wasmbin.FuncType{Params: []api.ValueType{i32}}
	// KernelSignature is (start i32, count i32, in_ptr i32) -> ().
	KernelSignature = wasmbin.FuncType{Params: []api.ValueType{i32, i32, i32}}
	// KernelOutSignature is (start i32, count i32, in_ptr i32, out_ptr i32) -> ().
	KernelOutSignature = wasmbin.FuncType{Params: []api.ValueType{i32, i32, i32, i32}}
)

// Source tells where a handle was resolved from.
type Source uint8

const (
	SourceTable Source = iota
	SourceExport
	// SourceModule is the kernel export of a standalone kernel module.
	SourceModule
)

func (s Source) String() string {
	switch s {
	case SourceExport:
		return "export"
	case SourceModule:
		return "module"
	default:
		return "table"
	}
}

// Handle is a resolved, signature-checked reference to a guest function.
type Handle struct {
	Name      string
	Signature wasmbin.FuncType
	Index     uint32
	FuncIndex uint32
	Source    Source
}

// Arity returns the number of parameters the handle expects.
func (h Handle) Arity() int { return len(h.Signature.Params) }

func (h Handle) String() string {
	switch h.Source {
	case SourceExport:
		return fmt.Sprintf("export %q", h.Name)
	case SourceModule:
		return fmt.Sprintf("kernel module export %q", h.Name)
	default:
		return fmt.Sprintf("table[%d]", h.Index)
	}
}
