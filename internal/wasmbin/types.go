package wasmbin

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// Value types that wazero's api package has no names for.
const (
	ValueTypeV128    api.ValueType = 0x7b
	ValueTypeFuncref api.ValueType = 0x70
)

// RefTypeFuncref is the reference type byte of a funcref table.
const RefTypeFuncref byte = 0x70

// ExternKind is the kind byte of an import or export.
type ExternKind byte

const (
	ExternFunc   ExternKind = 0x00
	ExternTable  ExternKind = 0x01
	ExternMemory ExternKind = 0x02
	ExternGlobal ExternKind = 0x03
	ExternTag    ExternKind = 0x04
)

func (k ExternKind) String() string {
	switch k {
	case ExternFunc:
		return "func"
	case ExternTable:
		return "table"
	case ExternMemory:
		return "memory"
	case ExternGlobal:
		return "global"
	case ExternTag:
		return "tag"
	default:
		return "unknown"
	}
}

// FuncType is a core function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Equal reports whether both signatures have identical params and results.
func (f FuncType) Equal(o FuncType) bool {
	return sameTypes(f.Params, o.Params) && sameTypes(f.Results, o.Results)
}

// String renders the signature as "(i32, i32) -> ()".
func (f FuncType) String() string {
	var b strings.Builder
	writeTypes(&b, f.Params)
	b.WriteString(" -> ")
	writeTypes(&b, f.Results)
	return b.String()
}

func writeTypes(b *strings.Builder, types []api.ValueType) {
	b.WriteByte('(')
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(valueTypeName(t))
	}
	b.WriteByte(')')
}

func valueTypeName(t api.ValueType) string {
	switch t {
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	default:
		return api.ValueTypeName(t)
	}
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TableType describes a table's element type and limits.
type TableType struct {
	RefType byte
	Min     uint32
	Max     uint32
	HasMax  bool
}

// MemoryType describes memory limits in pages.
type MemoryType struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// GlobalType describes a global's value type and mutability.
type GlobalType struct {
	ValType api.ValueType
	Mutable bool
}

// Import is one entry of the import section.
type Import struct {
	Module    string
	Name      string
	Table     TableType
	Memory    MemoryType
	Global    GlobalType
	TypeIndex uint32
	Kind      ExternKind
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Index uint32
	Kind  ExternKind
}

// ElementMode tells how an element segment is applied.
type ElementMode byte

const (
	ElementActive ElementMode = iota
	ElementPassive
	ElementDeclarative
)

// NullFunc marks an element slot holding ref.null or an unresolvable expression.
const NullFunc int64 = -1

// Element is a decoded element segment. Funcs holds function indices, or
// NullFunc for slots that are null or not statically known.
type Element struct {
	Funcs       []int64
	Table       uint32
	Offset      uint32
	Mode        ElementMode
	OffsetKnown bool
}
