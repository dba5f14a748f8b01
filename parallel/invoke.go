package parallel

import (
	"context"
	"fmt"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/kernel"
)

// Invoker calls a resolved kernel handle. *kernel.Invoker implements it.
type Invoker interface {
	Invoke(ctx context.Context, h kernel.Handle, args ...uint32) error
}

// invoke runs one call and turns a panic escaping the runtime into a trap.
func invoke(ctx context.Context, inv Invoker, h kernel.Handle, args ...uint32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Trap(fmt.Errorf("panic: %v", r), h.String())
		}
	}()
	return inv.Invoke(ctx, h, args...)
}
