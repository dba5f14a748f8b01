// Package parallel implements the fork-join primitives exposed to guests:
// hardware concurrency queries, free-running thread spawns and parallel_for.
//
// The Scheduler splits [0, n) into consecutive partitions of block
// iterations, runs one kernel call per partition on a pool bounded by
// min(pool size, partitions, budget) and joins every call before returning.
// Partitions run in no particular order and may write overlapping memory;
// coordinating that is the kernel's job.
//
// Spawned threads and scheduler workers draw from one Budget so a guest
// cannot create goroutines without bound. Acquisition never blocks: when the
// budget is empty the call fails with resource exhaustion.
//
// Errors carry an errors.Kind; StatusOf maps them onto the negative i32
// statuses returned to the guest.
package parallel
