package wasmbin

// Instruction encoders for the small function bodies the host synthesizes
// (dispatch trampolines, memory providers) and for test guests. Each returns
// the encoded bytes of one instruction; Code concatenates them.

// Code concatenates encoded instructions into a function body.
func Code(ins ...[]byte) []byte {
	var n int
	for _, i := range ins {
		n += len(i)
	}
	body := make([]byte, 0, n)
	for _, i := range ins {
		body = append(body, i...)
	}
	return body
}

func op(opcode byte, imm ...[]byte) []byte {
	out := []byte{opcode}
	for _, i := range imm {
		out = append(out, i...)
	}
	return out
}

// blockTypeEmpty is the block type of a block that yields no value.
const blockTypeEmpty = 0x40

func Unreachable() []byte { return op(0x00) }
func Nop() []byte         { return op(0x01) }
func Block() []byte       { return op(0x02, []byte{blockTypeEmpty}) }
func Loop() []byte        { return op(0x03, []byte{blockTypeEmpty}) }
func If() []byte          { return op(0x04, []byte{blockTypeEmpty}) }
func Else() []byte        { return op(0x05) }
func End() []byte         { return op(0x0b) }
func Br(depth uint32) []byte {
	return op(0x0c, EncodeULEB128(depth))
}
func BrIf(depth uint32) []byte {
	return op(0x0d, EncodeULEB128(depth))
}
func Return() []byte { return op(0x0f) }

func Call(funcIdx uint32) []byte {
	return op(0x10, EncodeULEB128(funcIdx))
}

// CallIndirect calls through table with the given type index.
func CallIndirect(typeIdx, table uint32) []byte {
	return op(0x11, EncodeULEB128(typeIdx), EncodeULEB128(table))
}

func Drop() []byte { return op(0x1a) }

func LocalGet(idx uint32) []byte { return op(0x20, EncodeULEB128(idx)) }
func LocalSet(idx uint32) []byte { return op(0x21, EncodeULEB128(idx)) }
func LocalTee(idx uint32) []byte { return op(0x22, EncodeULEB128(idx)) }

func memarg(align, offset uint32) []byte {
	return append(EncodeULEB128(align), EncodeULEB128(offset)...)
}

// I32Load loads a 32-bit word at the address on the stack plus offset.
func I32Load(offset uint32) []byte { return op(0x28, memarg(2, offset)) }

// I32Store stores a 32-bit word at the address on the stack plus offset.
func I32Store(offset uint32) []byte { return op(0x36, memarg(2, offset)) }

func MemorySize() []byte { return op(0x3f, []byte{0x00}) }
func MemoryGrow() []byte { return op(0x40, []byte{0x00}) }

func I32Const(v int32) []byte { return op(0x41, EncodeSLEB128(v)) }

func I32Eqz() []byte { return op(0x45) }
func I32Eq() []byte  { return op(0x46) }
func I32Ne() []byte  { return op(0x47) }
func I32LtU() []byte { return op(0x49) }
func I32GeU() []byte { return op(0x4f) }
func I32Add() []byte { return op(0x6a) }
func I32Sub() []byte { return op(0x6b) }
func I32Mul() []byte { return op(0x6c) }

const atomicPrefix = 0xfe

func atomic(sub uint32, offset uint32) []byte {
	return op(atomicPrefix, EncodeULEB128(sub), memarg(2, offset))
}

// I32AtomicLoad is i32.atomic.load.
func I32AtomicLoad(offset uint32) []byte { return atomic(0x10, offset) }

// I32AtomicStore is i32.atomic.store.
func I32AtomicStore(offset uint32) []byte { return atomic(0x17, offset) }

// I32AtomicRMWAdd is i32.atomic.rmw.add; it leaves the old value on the stack.
func I32AtomicRMWAdd(offset uint32) []byte { return atomic(0x1e, offset) }
