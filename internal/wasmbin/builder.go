package wasmbin

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Builder assembles a core module section by section. Function, table and
// memory imports must be added before the corresponding definitions so the
// returned indices stay valid.
type Builder struct {
	err      error
	types    []FuncType
	imports  []Import
	funcs    []funcDef
	tables   []TableType
	memories []MemoryType
	exports  []Export
	elements []Element
	data     []dataSeg
	start    uint32
	hasStart bool

	importedFuncs  uint32
	importedTables uint32
	importedMems   uint32
}

type funcDef struct {
	locals []api.ValueType
	body   []byte
	typ    uint32
}

type dataSeg struct {
	bytes  []byte
	offset uint32
}

// NewBuilder creates an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddType returns the index of ft, adding it if no equal type exists.
func (b *Builder) AddType(ft FuncType) uint32 {
	for i, t := range b.types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	b.types = append(b.types, ft)
	return uint32(len(b.types) - 1)
}

// ImportFunc imports a function and returns its function index.
func (b *Builder) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(b.funcs) > 0 {
		b.setErr(fmt.Errorf("function import %s.%s after function definitions", module, name))
	}
	b.imports = append(b.imports, Import{Module: module, Name: name, Kind: ExternFunc, TypeIndex: b.AddType(ft)})
	b.importedFuncs++
	return b.importedFuncs - 1
}

// ImportTable imports a funcref table and returns its table index.
func (b *Builder) ImportTable(module, name string, t TableType) uint32 {
	if len(b.tables) > 0 {
		b.setErr(fmt.Errorf("table import %s.%s after table definitions", module, name))
	}
	if t.RefType == 0 {
		t.RefType = RefTypeFuncref
	}
	b.imports = append(b.imports, Import{Module: module, Name: name, Kind: ExternTable, Table: t})
	b.importedTables++
	return b.importedTables - 1
}

// ImportMemory imports a memory and returns its memory index.
func (b *Builder) ImportMemory(module, name string, m MemoryType) uint32 {
	if len(b.memories) > 0 {
		b.setErr(fmt.Errorf("memory import %s.%s after memory definitions", module, name))
	}
	b.imports = append(b.imports, Import{Module: module, Name: name, Kind: ExternMemory, Memory: m})
	b.importedMems++
	return b.importedMems - 1
}

// AddFunc defines a function and returns its function index. The body must
// not include the trailing end opcode.
func (b *Builder) AddFunc(ft FuncType, locals []api.ValueType, body []byte) uint32 {
	b.funcs = append(b.funcs, funcDef{typ: b.AddType(ft), locals: locals, body: body})
	return b.importedFuncs + uint32(len(b.funcs)-1)
}

// AddTable defines a funcref table and returns its table index.
func (b *Builder) AddTable(t TableType) uint32 {
	if t.RefType == 0 {
		t.RefType = RefTypeFuncref
	}
	b.tables = append(b.tables, t)
	return b.importedTables + uint32(len(b.tables)-1)
}

// AddMemory defines a memory and returns its memory index.
func (b *Builder) AddMemory(m MemoryType) uint32 {
	b.memories = append(b.memories, m)
	return b.importedMems + uint32(len(b.memories)-1)
}

// Export exports an entity under name.
func (b *Builder) Export(name string, kind ExternKind, idx uint32) {
	b.exports = append(b.exports, Export{Name: name, Kind: kind, Index: idx})
}

// AddElement adds an active segment writing funcs into table at offset.
func (b *Builder) AddElement(table, offset uint32, funcs ...uint32) {
	seg := Element{Table: table, Offset: offset, OffsetKnown: true, Mode: ElementActive}
	for _, f := range funcs {
		seg.Funcs = append(seg.Funcs, int64(f))
	}
	b.elements = append(b.elements, seg)
}

// AddData adds an active segment writing data into memory 0 at offset.
func (b *Builder) AddData(offset uint32, data []byte) {
	b.data = append(b.data, dataSeg{offset: offset, bytes: data})
}

// SetStart sets the start function.
func (b *Builder) SetStart(funcIdx uint32) {
	b.start, b.hasStart = funcIdx, true
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build encodes the module.
func (b *Builder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}

	out := append([]byte(nil), magicVersion...)
	out = appendSection(out, sectionType, len(b.types), b.buildTypeSection)
	out = appendSection(out, sectionImport, len(b.imports), b.buildImportSection)
	out = appendSection(out, sectionFunction, len(b.funcs), b.buildFuncSection)
	out = appendSection(out, sectionTable, len(b.tables), b.buildTableSection)
	out = appendSection(out, sectionMemory, len(b.memories), b.buildMemorySection)
	out = appendSection(out, sectionExport, len(b.exports), b.buildExportSection)
	if b.hasStart {
		out = appendSection(out, sectionStart, 1, func() []byte { return EncodeULEB128(b.start) })
	}
	out = appendSection(out, sectionElement, len(b.elements), b.buildElemSection)
	out = appendSection(out, sectionCode, len(b.funcs), b.buildCodeSection)
	out = appendSection(out, sectionData, len(b.data), b.buildDataSection)
	return out, nil
}

func appendSection(out []byte, id byte, count int, build func() []byte) []byte {
	if count == 0 {
		return out
	}
	section := build()
	out = append(out, id)
	out = append(out, EncodeULEB128(uint32(len(section)))...)
	return append(out, section...)
}

func appendName(section []byte, name string) []byte {
	section = append(section, EncodeULEB128(uint32(len(name)))...)
	return append(section, name...)
}

func appendLimits(section []byte, min, max uint32, hasMax, shared bool) []byte {
	var flags byte
	if hasMax {
		flags |= 0x01
	}
	if shared {
		flags |= 0x02
	}
	section = append(section, flags)
	section = append(section, EncodeULEB128(min)...)
	if hasMax {
		section = append(section, EncodeULEB128(max)...)
	}
	return section
}

func (b *Builder) buildTypeSection() []byte {
	section := EncodeULEB128(uint32(len(b.types)))
	for _, t := range b.types {
		section = append(section, 0x60)
		section = append(section, EncodeULEB128(uint32(len(t.Params)))...)
		section = append(section, t.Params...)
		section = append(section, EncodeULEB128(uint32(len(t.Results)))...)
		section = append(section, t.Results...)
	}
	return section
}

func (b *Builder) buildImportSection() []byte {
	section := EncodeULEB128(uint32(len(b.imports)))
	for _, imp := range b.imports {
		section = appendImport(section, imp)
	}
	return section
}

func appendImport(section []byte, imp Import) []byte {
	section = appendName(section, imp.Module)
	section = appendName(section, imp.Name)
	section = append(section, byte(imp.Kind))
	switch imp.Kind {
	case ExternFunc:
		section = append(section, EncodeULEB128(imp.TypeIndex)...)
	case ExternTable:
		section = append(section, imp.Table.RefType)
		section = appendLimits(section, imp.Table.Min, imp.Table.Max, imp.Table.HasMax, false)
	case ExternMemory:
		section = appendLimits(section, imp.Memory.Min, imp.Memory.Max, imp.Memory.HasMax, imp.Memory.Shared)
	case ExternGlobal:
		var mut byte
		if imp.Global.Mutable {
			mut = 0x01
		}
		section = append(section, imp.Global.ValType, mut)
	}
	return section
}

func (b *Builder) buildFuncSection() []byte {
	section := EncodeULEB128(uint32(len(b.funcs)))
	for _, f := range b.funcs {
		section = append(section, EncodeULEB128(f.typ)...)
	}
	return section
}

func (b *Builder) buildTableSection() []byte {
	section := EncodeULEB128(uint32(len(b.tables)))
	for _, t := range b.tables {
		section = append(section, t.RefType)
		section = appendLimits(section, t.Min, t.Max, t.HasMax, false)
	}
	return section
}

func (b *Builder) buildMemorySection() []byte {
	section := EncodeULEB128(uint32(len(b.memories)))
	for _, m := range b.memories {
		section = appendLimits(section, m.Min, m.Max, m.HasMax, m.Shared)
	}
	return section
}

func (b *Builder) buildExportSection() []byte {
	section := EncodeULEB128(uint32(len(b.exports)))
	for _, e := range b.exports {
		section = appendName(section, e.Name)
		section = append(section, byte(e.Kind))
		section = append(section, EncodeULEB128(e.Index)...)
	}
	return section
}

func (b *Builder) buildElemSection() []byte {
	section := EncodeULEB128(uint32(len(b.elements)))
	for _, seg := range b.elements {
		if seg.Table == 0 {
			section = append(section, 0x00)
		} else {
			section = append(section, 0x02)
			section = append(section, EncodeULEB128(seg.Table)...)
		}
		section = append(section, 0x41)
		section = append(section, EncodeSLEB128(int32(seg.Offset))...)
		section = append(section, 0x0b)
		if seg.Table != 0 {
			section = append(section, 0x00) // elemkind funcref
		}
		section = append(section, EncodeULEB128(uint32(len(seg.Funcs)))...)
		for _, f := range seg.Funcs {
			section = append(section, EncodeULEB128(uint32(f))...)
		}
	}
	return section
}

func (b *Builder) buildCodeSection() []byte {
	section := EncodeULEB128(uint32(len(b.funcs)))
	for _, f := range b.funcs {
		var body []byte
		body = append(body, EncodeULEB128(uint32(len(f.locals)))...)
		for _, l := range f.locals {
			body = append(body, 0x01, l)
		}
		body = append(body, f.body...)
		body = append(body, 0x0b)
		section = append(section, EncodeULEB128(uint32(len(body)))...)
		section = append(section, body...)
	}
	return section
}

func (b *Builder) buildDataSection() []byte {
	section := EncodeULEB128(uint32(len(b.data)))
	for _, d := range b.data {
		section = append(section, 0x00, 0x41)
		section = append(section, EncodeSLEB128(int32(d.offset))...)
		section = append(section, 0x0b)
		section = append(section, EncodeULEB128(uint32(len(d.bytes)))...)
		section = append(section, d.bytes...)
	}
	return section
}
