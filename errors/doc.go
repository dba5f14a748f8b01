// Package errors provides structured error types for the wasm-parallel library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a field path, the offending value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseValidate, errors.KindOutOfBounds).
//		Path("in_buffers", "2").
//		Value(offset).
//		Detail("descriptor ends past memory").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.SignatureMismatch(errors.PhaseResolve, "table[3]", "(i32) -> ()", "(i32, i32, i32) -> ()")
//	err := errors.ResourceExhausted(errors.PhaseSpawn, "thread budget exhausted")
//
// The host ABI never sees these values directly: the parallel package maps the
// Kind of an error onto a negative status code. All errors implement the
// standard error interface and support errors.Is/As.
package errors
