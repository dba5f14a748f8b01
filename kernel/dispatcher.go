package kernel

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

// Exports of the synthesized dispatcher module. Each takes the table slot
// first, then the callee's own arguments.
const (
	DispatchSpawn     = "dispatch_spawn"
	DispatchKernel    = "dispatch_kernel"
	DispatchKernelOut = "dispatch_kernel_out"
)

var trampolines = []struct {
	name string
	sig  wasmbin.FuncType
}{
	{DispatchSpawn, SpawnSignature},
	{DispatchKernel, KernelSignature},
	{DispatchKernelOut, KernelOutSignature},
}

// DispatcherName returns the module name the dispatcher for guest is
// instantiated under.
func DispatcherName(guest string) string { return guest + "$dispatch" }

func trampolineFor(sig wasmbin.FuncType) (string, bool) {
	for _, t := range trampolines {
		if t.sig.Equal(sig) {
			return t.name, true
		}
	}
	return "", false
}

// BuildDispatcher synthesizes a module that imports the guest's exported
// table 0 and exports one call_indirect trampoline per host-callable
// signature. It returns nil when the table is not exported.
func BuildDispatcher(guestModule string, table *FunctionTable) ([]byte, error) {
	if table.ExportName() == "" {
		return nil, nil
	}

	b := wasmbin.NewBuilder()
	b.ImportTable(guestModule, table.ExportName(), wasmbin.TableType{Min: table.MinSize()})

	for _, t := range trampolines {
		sigIdx := b.AddType(t.sig)
		params := append([]api.ValueType{i32}, t.sig.Params...)

		body := make([][]byte, 0, len(params)+1)
		for i := range t.sig.Params {
			body = append(body, wasmbin.LocalGet(uint32(i+1)))
		}
		body = append(body, wasmbin.LocalGet(0), wasmbin.CallIndirect(sigIdx, 0))

		fn := b.AddFunc(wasmbin.FuncType{Params: params}, nil, wasmbin.Code(body...))
		b.Export(t.name, wasmbin.ExternFunc, fn)
	}
	return b.Build()
}
