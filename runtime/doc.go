// Package runtime provides the high-level API for running guests that use
// wasi_parallel.
//
// # Quick Start
//
//	ctx := context.Background()
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
//	result, err := inst.Call(ctx, "sum", int32(1000))
//
// # Typed Calls
//
// Core modules carry no type metadata beyond i32/i64/f32/f64. Call infers
// s32/s64/f32/f64 from the export's signature, or uses WIT signatures when
// text is given at load time:
//
//	mod, err := rt.LoadWASM(ctx, wasmBytes, "export sum: func(n: u32) -> u64;")
//
// Only WIT primitives that lower to one core value are supported:
//
//	Go Type          WIT Type
//	───────────────────────────
//	bool             bool
//	int8/uint8       s8/u8
//	int16/uint16     s16/u16
//	int32/uint32     s32/u32
//	int64/uint64     s64/u64
//	float32          f32
//	float64          f64
//	rune             char
//
// # Threads
//
// A guest with shared memory may call thread.spawn and parallel_for. Threads
// and kernel partitions run on goroutines against the same guest instance,
// so every guest function they reach must be safe to run concurrently.
// Close waits for spawned threads before releasing the instance.
//
// # Thread Safety
//
// Runtime, Module and Instance are safe for concurrent use.
package runtime
