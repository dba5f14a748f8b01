package parallel

import (
	"github.com/wippyai/wasm-parallel/errors"
)

// Partition is a contiguous run of iterations handed to one kernel call.
type Partition struct {
	Start uint32
	Count uint32
}

// End returns the exclusive end of the partition.
func (p Partition) End() uint64 { return uint64(p.Start) + uint64(p.Count) }

// NumPartitions returns how many partitions [0, n) splits into with the
// given block size. block must be positive.
func NumPartitions(n, block uint32) uint32 {
	if n == 0 {
		return 0
	}
	return uint32((uint64(n) + uint64(block) - 1) / uint64(block))
}

// PartitionAt returns partition i of [0, n). Every partition holds block
// iterations except the last, which holds the remainder.
func PartitionAt(n, block, i uint32) Partition {
	start := uint64(i) * uint64(block)
	count := uint64(block)
	if start+count > uint64(n) {
		count = uint64(n) - start
	}
	return Partition{Start: uint32(start), Count: uint32(count)}
}

// Partitions splits [0, n) into consecutive, disjoint partitions of block
// iterations in ascending order.
func Partitions(n, block uint32) ([]Partition, error) {
	if block == 0 {
		return nil, errors.InvalidInput(errors.PhaseValidate, "block size must be positive")
	}
	count := NumPartitions(n, block)
	parts := make([]Partition, count)
	for i := range parts {
		parts[i] = PartitionAt(n, block, uint32(i))
	}
	return parts, nil
}
