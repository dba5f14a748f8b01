package kernel

import (
	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

// FunctionTable is a read-only snapshot of table 0 as initialized by the
// guest's active element segments. Slots written by segments whose offset is
// not a constant, or that are null, do not resolve.
type FunctionTable struct {
	slots  []int64
	export string
	min    uint32
}

// NewFunctionTable builds the snapshot of table 0. A module without a
// funcref table 0 yields an empty table.
func NewFunctionTable(mod *wasmbin.Module) (*FunctionTable, error) {
	tt, _, ok := mod.Table(0)
	if !ok || tt.RefType != wasmbin.RefTypeFuncref {
		return &FunctionTable{}, nil
	}

	t := &FunctionTable{min: tt.Min, slots: make([]int64, tt.Min)}
	for i := range t.slots {
		t.slots[i] = wasmbin.NullFunc
	}
	t.export, _ = mod.ExportName(wasmbin.ExternTable, 0)

	for i, seg := range mod.Elements {
		if seg.Mode != wasmbin.ElementActive || seg.Table != 0 || !seg.OffsetKnown {
			continue
		}
		if uint64(seg.Offset)+uint64(len(seg.Funcs)) > uint64(tt.Min) {
			return nil, errors.New(errors.PhaseLoad, errors.KindOutOfBounds).
				Path("elements", itoa(i)).
				Detail("segment [%d, %d) exceeds table size %d", seg.Offset, uint64(seg.Offset)+uint64(len(seg.Funcs)), tt.Min).
				Build()
		}
		copy(t.slots[seg.Offset:], seg.Funcs)
	}
	return t, nil
}

// Len returns the number of slots.
func (t *FunctionTable) Len() uint32 { return uint32(len(t.slots)) }

// ExportName returns the name table 0 is exported under, or "" when the
// guest keeps it private.
func (t *FunctionTable) ExportName() string { return t.export }

// MinSize returns the declared minimum size of table 0.
func (t *FunctionTable) MinSize() uint32 { return t.min }

// Lookup returns the function index stored at slot idx.
func (t *FunctionTable) Lookup(idx uint32) (uint32, error) {
	if idx >= uint32(len(t.slots)) {
		return 0, errors.IndexOutOfRange(errors.PhaseResolve, "function table", idx, uint32(len(t.slots)))
	}
	f := t.slots[idx]
	if f == wasmbin.NullFunc {
		return 0, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Value(idx).
			Detail("function table slot %d is empty", idx).
			Build()
	}
	return uint32(f), nil
}
