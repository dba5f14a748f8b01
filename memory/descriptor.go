package memory

import (
	"strconv"

	wasmparallel "github.com/wippyai/wasm-parallel"
	"github.com/wippyai/wasm-parallel/errors"
)

// WordsPerDescriptor is the number of 32-bit words one serialized
// descriptor occupies: start then length, little-endian.
const WordsPerDescriptor = 2

// View is what descriptor loading needs from a memory.
type View interface {
	wasmparallel.Memory
	wasmparallel.MemorySizer
}

// Descriptor is a (start, length) byte range in shared memory. Its contents
// are never interpreted by the host.
type Descriptor struct {
	Start uint32
	Len   uint32
}

// End returns the exclusive end offset.
func (d Descriptor) End() uint64 { return uint64(d.Start) + uint64(d.Len) }

// BufferSet is a serialized descriptor array in guest memory together with
// its decoded descriptors. Addr is what kernels receive as in_ptr/out_ptr.
type BufferSet struct {
	Descriptors []Descriptor
	Addr        uint32
	Words       uint32
}

// Len returns the number of descriptors.
func (s BufferSet) Len() int { return len(s.Descriptors) }

// Validate checks every descriptor against size. name labels errors.
func (s BufferSet) Validate(name string, size uint32) error {
	for i, d := range s.Descriptors {
		if d.End() > uint64(size) {
			return errors.OutOfBounds(errors.PhaseValidate, []string{name, strconv.Itoa(i)}, d.Start, d.Len, uint64(size))
		}
	}
	return nil
}

// LoadBufferSet decodes words 32-bit words at addr into descriptors and
// validates them against the current memory length. words must be even.
func LoadBufferSet(mem View, name string, addr, words uint32) (BufferSet, error) {
	set := BufferSet{Addr: addr, Words: words}
	if words == 0 {
		return set, nil
	}
	if words%WordsPerDescriptor != 0 {
		return BufferSet{}, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Path(name).
			Value(words).
			Detail("descriptor array length %d is not a multiple of %d words", words, WordsPerDescriptor).
			Build()
	}

	size := mem.Size()
	byteLen := uint64(words) * 4
	if uint64(addr)+byteLen > uint64(size) {
		return BufferSet{}, errors.New(errors.PhaseValidate, errors.KindOutOfBounds).
			Path(name).
			Value(addr).
			Detail("descriptor array [%d, %d) exceeds length %d", addr, uint64(addr)+byteLen, size).
			Build()
	}

	set.Descriptors = make([]Descriptor, 0, words/WordsPerDescriptor)
	for off := uint64(addr); off < uint64(addr)+byteLen; off += 8 {
		start, err := mem.ReadU32(uint32(off))
		if err != nil {
			return BufferSet{}, err
		}
		length, err := mem.ReadU32(uint32(off + 4))
		if err != nil {
			return BufferSet{}, err
		}
		set.Descriptors = append(set.Descriptors, Descriptor{Start: start, Len: length})
	}
	if err := set.Validate(name, size); err != nil {
		return BufferSet{}, err
	}
	return set, nil
}
