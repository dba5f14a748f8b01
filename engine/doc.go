// Package engine hosts guests that use the wasi_parallel functions on wazero.
//
// # Architecture
//
// The engine package provides three main types:
//
//	Engine   - Shared configuration, compilation cache and thread budget
//	Module   - A parsed and validated guest binary
//	Instance - A running guest with its own wazero runtime
//
// # Instantiation Flow
//
//  1. Engine.LoadModule parses the binary, checks its wasi_parallel imports
//     and compiles it once to catch invalid guests early.
//  2. Module.Instantiate creates a runtime with the threads feature, then
//     instantiates in order: WASI (optional), the wasi_parallel host module,
//     a memory provider when the guest imports its memory, the guest, and a
//     dispatcher that imports the guest's function table.
//  3. Instance.Call invokes guest exports. Guests reach the host through
//     hw_concurrency, thread.spawn and parallel_for.
//
// # Host ABI
//
// All parameters and results are i32:
//
//	hw_concurrency() -> n
//	thread.spawn(entry, context) -> id | status
//	parallel_for(kernel_start, kernel_len, num_iterations, block_size,
//	             in_buffers_start, in_buffers_len,
//	             out_buffers_start, out_buffers_len) -> status
//
// Kernels take (start, count, in_ptr) or (start, count, in_ptr, out_ptr).
// With kernel_len 0, kernel_start is a table slot. Otherwise the bytes at
// kernel_start are either an export name or a kernel module binary that
// imports one shared memory and exports "kernel"; the module runs against
// the guest's memory for the duration of the call.
// Thread entries take (context). Statuses are listed in parallel.Status.
//
// Start functions are not run during instantiation because the host is not
// bound yet; _initialize runs right after setup and _start is left to the
// caller.
package engine
