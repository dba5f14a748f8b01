// Package memory provides the shared linear memory view used by spawned
// threads and parallel_for partitions.
package memory

import (
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-parallel/errors"
)

// PageSize is the WebAssembly page size in bytes.
const PageSize = 65536

// maxPages is the largest page count a 32-bit memory can address.
const maxPages = 65536

// Region wraps a guest's api.Memory. Every thread of one instance sees the
// same Region; byte accesses are unsynchronized, only growth is serialized.
type Region struct {
	mem      api.Memory
	mu       sync.Mutex
	maxPages uint32
	shared   bool
}

// NewRegion wraps mem. shared reports whether the guest declared the memory
// with the threads proposal's shared flag, which wazero does not expose.
func NewRegion(mem api.Memory, shared bool) *Region {
	max := uint32(maxPages)
	if def := mem.Definition(); def != nil {
		if m, ok := def.Max(); ok && m < max {
			max = m
		}
	}
	return &Region{mem: mem, maxPages: max, shared: shared}
}

// Memory returns the wrapped wazero memory.
func (r *Region) Memory() api.Memory { return r.mem }

// Shared reports whether the memory may be used by several threads.
func (r *Region) Shared() bool { return r.shared }

// Size returns the current length in bytes. It is always a multiple of
// PageSize.
func (r *Region) Size() uint32 { return r.mem.Size() }

// Pages returns the current length in pages.
func (r *Region) Pages() uint32 { return r.mem.Size() / PageSize }

// MaxPages returns the maximum length in pages.
func (r *Region) MaxPages() uint32 { return r.maxPages }

// MaxLen returns the maximum length in bytes.
func (r *Region) MaxLen() uint64 { return uint64(r.maxPages) * PageSize }

// Grow adds delta pages from the host side and returns the previous page
// count. Host callers are serialized by the region lock; a guest's
// memory.grow on shared memory is serialized by wazero itself and does not
// take this lock. The region never shrinks.
func (r *Region) Grow(delta uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.mem.Grow(delta)
	if !ok {
		return 0, errors.New(errors.PhaseRuntime, errors.KindResourceExhausted).
			Value(delta).
			Detail("grow by %d pages from %d exceeds maximum %d", delta, r.Pages(), r.maxPages).
			Build()
	}
	return prev, nil
}

// Contains reports whether [offset, offset+length) lies inside the current
// length.
func (r *Region) Contains(offset, length uint32) bool {
	return uint64(offset)+uint64(length) <= uint64(r.mem.Size())
}

// Check returns an out-of-bounds error unless [offset, offset+length) lies
// inside the current length.
func (r *Region) Check(path []string, offset, length uint32) error {
	if r.Contains(offset, length) {
		return nil
	}
	return errors.OutOfBounds(errors.PhaseValidate, path, offset, length, uint64(r.mem.Size()))
}

// Read returns a copy of length bytes at offset.
func (r *Region) Read(offset, length uint32) ([]byte, error) {
	data, ok := r.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseExecute, nil, offset, length, uint64(r.mem.Size()))
	}
	return append([]byte(nil), data...), nil
}

// Write writes data at offset.
func (r *Region) Write(offset uint32, data []byte) error {
	if !r.mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseExecute, nil, offset, uint32(len(data)), uint64(r.mem.Size()))
	}
	return nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (r *Region) ReadU32(offset uint32) (uint32, error) {
	v, ok := r.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseExecute, nil, offset, 4, uint64(r.mem.Size()))
	}
	return v, nil
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (r *Region) WriteU32(offset uint32, value uint32) error {
	if !r.mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseExecute, nil, offset, 4, uint64(r.mem.Size()))
	}
	return nil
}
