// Package wasmbin reads and writes the parts of the WebAssembly core binary
// format the host needs outside of wazero.
//
// Wazero compiles and runs modules but does not expose function tables,
// element segments or the shared flag of an imported memory, so the host
// decodes those from the raw bytes:
//
//	mod, err := wasmbin.Parse(bin)
//	ft, ok := mod.FunctionType(idx)
//
// The Builder synthesizes small helper modules (table dispatchers, memory
// providers) and test guests:
//
//	b := wasmbin.NewBuilder()
//	b.ImportTable("guest", "__indirect_function_table", wasmbin.TableType{Min: 1})
//	fn := b.AddFunc(ft, nil, wasmbin.Code(wasmbin.LocalGet(1), wasmbin.LocalGet(0), wasmbin.CallIndirect(0, 0)))
//	b.Export("dispatch", wasmbin.ExternFunc, fn)
//	bin, err := b.Build()
package wasmbin
