// Package wasmparallel runs WebAssembly guests that spawn threads and run
// data-parallel kernels over shared linear memory, on top of wazero.
//
// Guests import three functions from the wasi_parallel namespace:
//
//	hw_concurrency() -> i32
//	thread.spawn(entry, context) -> id or status
//	parallel_for(kernel_start, kernel_len, num_iterations, block_size,
//	             in_buffers_start, in_buffers_len,
//	             out_buffers_start, out_buffers_len) -> status
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmparallel/        Root package with core Memory and MemorySizer interfaces
//	├── runtime/         High-level API for loading and calling guests
//	├── engine/          wazero integration and the wasi_parallel host module
//	├── parallel/        Thread spawner, parallel_for scheduler, budget, metrics
//	├── kernel/          Kernel handles, table resolution and dispatch
//	├── memory/          Shared memory region and buffer descriptors
//	├── config/          koanf-based configuration
//	├── errors/          Structured error types for debugging
//	└── cmd/parrun/      Command line runner
//
// # Quick Start
//
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.LoadWASM(ctx, wasmBytes, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	_, err = inst.CallRaw(ctx, "_start")
//
// # Status Codes
//
// thread.spawn and parallel_for report failures as negative i32 values:
//
//	 0  ok
//	-1  invalid argument
//	-2  invalid kernel
//	-3  out of bounds
//	-4  resource exhausted
//	-5  kernel trap
//	-6  not ready
//	-7  internal
//
// # Memory Model
//
// Threads and kernels share one linear memory. The host never interprets
// buffer contents; it only checks that every descriptor lies inside the
// memory before any kernel runs. Coordinating writes to overlapping ranges
// is the guest's job.
package wasmparallel
