package kernel

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-parallel/errors"
)

// Invoker calls resolved handles on one guest instance. It is safe for
// concurrent use: every call looks up its own api.Function, so each
// goroutine runs on its own call stack against the shared instance.
type Invoker struct {
	guest      api.Module
	dispatcher api.Module
}

// NewInvoker creates an invoker for guest. dispatcher may be nil when the
// guest does not export its function table; table handles then fail.
func NewInvoker(guest, dispatcher api.Module) *Invoker {
	return &Invoker{guest: guest, dispatcher: dispatcher}
}

// Invoke calls h with args. A guest trap is returned as a KindTrap error.
func (inv *Invoker) Invoke(ctx context.Context, h Handle, args ...uint32) error {
	if len(args) != h.Arity() {
		return errors.New(errors.PhaseDispatch, errors.KindInvalidInput).
			Detail("%s takes %d arguments, got %d", h, h.Arity(), len(args)).
			Build()
	}
	if inv.guest.IsClosed() {
		return errors.Closed(errors.PhaseDispatch, "guest instance")
	}

	params := make([]uint64, 0, len(args)+1)
	var fn api.Function
	switch h.Source {
	case SourceExport:
		fn = inv.guest.ExportedFunction(h.Name)
	default:
		if inv.dispatcher == nil {
			return errors.NotInitialized(errors.PhaseDispatch, "function table dispatcher")
		}
		name, ok := trampolineFor(h.Signature)
		if !ok {
			return errors.Unsupported(errors.PhaseDispatch, "no dispatcher for signature "+h.Signature.String())
		}
		fn = inv.dispatcher.ExportedFunction(name)
		params = append(params, api.EncodeU32(h.Index))
	}
	if fn == nil {
		return errors.NotFound(errors.PhaseDispatch, "function", h.String())
	}

	for _, a := range args {
		params = append(params, api.EncodeU32(a))
	}
	if _, err := fn.Call(ctx, params...); err != nil {
		return errors.Trap(err, h.String())
	}
	return nil
}
