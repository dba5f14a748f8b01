package parallel

import (
	"strconv"

	"github.com/wippyai/wasm-parallel/errors"
)

// Status is the i32 result the host functions return to the guest.
type Status int32

const (
	StatusOK                Status = 0
	StatusInvalidArgument   Status = -1
	StatusInvalidKernel     Status = -2
	StatusOutOfBounds       Status = -3
	StatusResourceExhausted Status = -4
	StatusKernelTrap        Status = -5
	StatusNotReady          Status = -6
	StatusInternal          Status = -7
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusInvalidKernel:
		return "invalid_kernel"
	case StatusOutOfBounds:
		return "out_of_bounds"
	case StatusResourceExhausted:
		return "resource_exhausted"
	case StatusKernelTrap:
		return "kernel_trap"
	case StatusNotReady:
		return "not_ready"
	case StatusInternal:
		return "internal"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// I32 returns the status as a guest i32 result.
func (s Status) I32() uint64 { return uint64(uint32(int32(s))) }

// StatusOf maps an error onto the status the guest sees.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	switch errors.KindOf(err) {
	case errors.KindInvalidInput, errors.KindInvalidData, errors.KindUnsupported:
		return StatusInvalidArgument
	case errors.KindSignatureMismatch, errors.KindNotFound:
		return StatusInvalidKernel
	case errors.KindOutOfBounds:
		return StatusOutOfBounds
	case errors.KindResourceExhausted:
		return StatusResourceExhausted
	case errors.KindTrap:
		return StatusKernelTrap
	case errors.KindClosed, errors.KindNotInitialized:
		return StatusNotReady
	default:
		return StatusInternal
	}
}
