package wasmbin

import (
	"bytes"

	"github.com/tetratelabs/wazero/api"
)

var magicVersion = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Section IDs of the core binary format.
const (
	sectionCustom    = 0x00
	sectionType      = 0x01
	sectionImport    = 0x02
	sectionFunction  = 0x03
	sectionTable     = 0x04
	sectionMemory    = 0x05
	sectionGlobal    = 0x06
	sectionExport    = 0x07
	sectionStart     = 0x08
	sectionElement   = 0x09
	sectionCode      = 0x0a
	sectionData      = 0x0b
	sectionDataCount = 0x0c
)

// Module is the subset of a core module that the host needs without
// compiling it: signatures, imports, tables, memories, exports and the
// statically known element segments.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32
	Tables   []TableType
	Memories []MemoryType
	Exports  []Export
	Elements []Element
	Start    uint32
	HasStart bool
}

// IsModule reports whether data starts with the core module preamble.
func IsModule(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], magicVersion)
}

// Parse decodes the sections the host cares about. Code, data, globals and
// custom sections are skipped by length.
func Parse(data []byte) (*Module, error) {
	r := &reader{data: data}
	if !IsModule(data) {
		return nil, r.fail("not a core WebAssembly module")
	}
	r.pos = 8

	m := &Module{}
	for !r.eof() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(size)
		if err != nil {
			return nil, err
		}
		sr := &reader{data: body}

		switch id {
		case sectionType:
			err = m.parseTypes(sr)
		case sectionImport:
			err = m.parseImports(sr)
		case sectionFunction:
			err = m.parseFunctions(sr)
		case sectionTable:
			err = m.parseTables(sr)
		case sectionMemory:
			err = m.parseMemories(sr)
		case sectionExport:
			err = m.parseExports(sr)
		case sectionStart:
			m.Start, err = sr.u32()
			m.HasStart = err == nil
		case sectionElement:
			err = m.parseElements(sr)
		case sectionCustom, sectionGlobal, sectionCode, sectionData, sectionDataCount:
		default:
			// Unknown sections (tags, future proposals) are length-prefixed
			// like the rest; wazero rejects what it cannot run.
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Module) parseTypes(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return r.fail("type %d: unsupported type form 0x%02x", i, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *reader) ([]api.ValueType, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	types := make([]api.ValueType, n)
	copy(types, b)
	return types, nil
}

func (m *Module) parseImports(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = r.name(); err != nil {
			return err
		}
		if imp.Name, err = r.name(); err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		imp.Kind = ExternKind(kind)

		switch imp.Kind {
		case ExternFunc:
			imp.TypeIndex, err = r.u32()
		case ExternTable:
			imp.Table, err = readTableType(r)
		case ExternMemory:
			imp.Memory, err = readMemoryType(r)
		case ExternGlobal:
			var vt, mut byte
			if vt, err = r.byte(); err == nil {
				mut, err = r.byte()
			}
			imp.Global = GlobalType{ValType: vt, Mutable: mut == 0x01}
		case ExternTag:
			if _, err = r.byte(); err == nil {
				_, err = r.u32()
			}
		default:
			return r.fail("import %s.%s: unknown kind 0x%02x", imp.Module, imp.Name, kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func readLimits(r *reader) (flags byte, min, max uint32, err error) {
	if flags, err = r.byte(); err != nil {
		return 0, 0, 0, err
	}
	if flags&0x04 != 0 {
		return 0, 0, 0, r.fail("64-bit limits are not supported")
	}
	if min, err = r.u32(); err != nil {
		return 0, 0, 0, err
	}
	if flags&0x01 != 0 {
		if max, err = r.u32(); err != nil {
			return 0, 0, 0, err
		}
	}
	return flags, min, max, nil
}

func readTableType(r *reader) (TableType, error) {
	ref, err := r.byte()
	if err != nil {
		return TableType{}, err
	}
	flags, min, max, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{RefType: ref, Min: min, Max: max, HasMax: flags&0x01 != 0}, nil
}

func readMemoryType(r *reader) (MemoryType, error) {
	flags, min, max, err := readLimits(r)
	if err != nil {
		return MemoryType{}, err
	}
	mt := MemoryType{Min: min, Max: max, HasMax: flags&0x01 != 0, Shared: flags&0x02 != 0}
	if mt.Shared && !mt.HasMax {
		return MemoryType{}, r.fail("shared memory requires a maximum")
	}
	return mt, nil
}

func (m *Module) parseFunctions(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		idx, err := r.u32()
		if err != nil {
			return err
		}
		m.Funcs = append(m.Funcs, idx)
	}
	return nil
}

func (m *Module) parseTables(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		t, err := readTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, t)
	}
	return nil
}

func (m *Module) parseMemories(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mt, err := readMemoryType(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, mt)
	}
	return nil
}

func (m *Module) parseExports(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.u32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: ExternKind(kind), Index: idx})
	}
	return nil
}

func (m *Module) parseElements(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		seg, err := readElement(r)
		if err != nil {
			return err
		}
		m.Elements = append(m.Elements, seg)
	}
	return nil
}

// readElement decodes one segment in any of the eight encodings.
func readElement(r *reader) (Element, error) {
	flags, err := r.u32()
	if err != nil {
		return Element{}, err
	}
	if flags > 7 {
		return Element{}, r.fail("element flags %d", flags)
	}

	var seg Element
	switch {
	case flags&0x01 == 0:
		seg.Mode = ElementActive
	case flags&0x02 == 0:
		seg.Mode = ElementPassive
	default:
		seg.Mode = ElementDeclarative
	}

	if seg.Mode == ElementActive {
		if flags&0x02 != 0 {
			if seg.Table, err = r.u32(); err != nil {
				return Element{}, err
			}
		}
		off, err := readConstExpr(r)
		if err != nil {
			return Element{}, err
		}
		seg.Offset, seg.OffsetKnown = uint32(off.value), off.known && off.value >= 0 && off.value <= 0xffffffff
	}

	usesExprs := flags&0x04 != 0
	// Flags 0 and 4 imply funcref; the rest carry an elemkind or reftype byte.
	if flags != 0 && flags != 4 {
		if _, err := r.byte(); err != nil {
			return Element{}, err
		}
	}

	n, err := r.u32()
	if err != nil {
		return Element{}, err
	}
	seg.Funcs = make([]int64, 0, n)
	for j := uint32(0); j < n; j++ {
		if !usesExprs {
			idx, err := r.u32()
			if err != nil {
				return Element{}, err
			}
			seg.Funcs = append(seg.Funcs, int64(idx))
			continue
		}
		e, err := readConstExpr(r)
		if err != nil {
			return Element{}, err
		}
		if e.isFunc {
			seg.Funcs = append(seg.Funcs, e.value)
		} else {
			seg.Funcs = append(seg.Funcs, NullFunc)
		}
	}
	return seg, nil
}

type constExpr struct {
	value  int64
	known  bool
	isFunc bool
}

// readConstExpr evaluates a constant expression as far as it can without
// instance state. global.get yields an unknown value.
func readConstExpr(r *reader) (constExpr, error) {
	var stack []constExpr
	pop2 := func() (constExpr, constExpr, error) {
		if len(stack) < 2 {
			return constExpr{}, constExpr{}, r.fail("constant expression stack underflow")
		}
		a, b := stack[len(stack)-2], stack[len(stack)-1]
		stack = stack[:len(stack)-2]
		return a, b, nil
	}

	for {
		op, err := r.byte()
		if err != nil {
			return constExpr{}, err
		}
		switch op {
		case 0x0b:
			if len(stack) != 1 {
				return constExpr{}, r.fail("constant expression leaves %d values", len(stack))
			}
			return stack[0], nil
		case 0x41, 0x42:
			v, err := r.s64()
			if err != nil {
				return constExpr{}, err
			}
			if op == 0x41 {
				v = int64(int32(v))
				v = int64(uint32(v))
			}
			stack = append(stack, constExpr{value: v, known: true})
		case 0x43:
			if _, err := r.bytes(4); err != nil {
				return constExpr{}, err
			}
			stack = append(stack, constExpr{})
		case 0x44:
			if _, err := r.bytes(8); err != nil {
				return constExpr{}, err
			}
			stack = append(stack, constExpr{})
		case 0x23:
			if _, err := r.u32(); err != nil {
				return constExpr{}, err
			}
			stack = append(stack, constExpr{})
		case 0xd0:
			if _, err := r.byte(); err != nil {
				return constExpr{}, err
			}
			stack = append(stack, constExpr{})
		case 0xd2:
			idx, err := r.u32()
			if err != nil {
				return constExpr{}, err
			}
			stack = append(stack, constExpr{value: int64(idx), known: true, isFunc: true})
		case 0x6a, 0x6b, 0x6c:
			a, b, err := pop2()
			if err != nil {
				return constExpr{}, err
			}
			res := constExpr{known: a.known && b.known}
			x, y := uint32(a.value), uint32(b.value)
			switch op {
			case 0x6a:
				res.value = int64(x + y)
			case 0x6b:
				res.value = int64(x - y)
			default:
				res.value = int64(x * y)
			}
			stack = append(stack, res)
		default:
			return constExpr{}, r.fail("unsupported opcode 0x%02x in constant expression", op)
		}
	}
}

// ImportedFuncCount returns the number of function imports, which precede
// defined functions in the function index space.
func (m *Module) ImportedFuncCount() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind == ExternFunc {
			n++
		}
	}
	return n
}

// FunctionType returns the signature of a function by its index in the
// function index space.
func (m *Module) FunctionType(funcIdx uint32) (FuncType, bool) {
	var typeIdx uint32
	imported := m.ImportedFuncCount()
	if funcIdx < imported {
		var seen uint32
		for _, imp := range m.Imports {
			if imp.Kind != ExternFunc {
				continue
			}
			if seen == funcIdx {
				typeIdx = imp.TypeIndex
				break
			}
			seen++
		}
	} else {
		local := funcIdx - imported
		if local >= uint32(len(m.Funcs)) {
			return FuncType{}, false
		}
		typeIdx = m.Funcs[local]
	}
	if typeIdx >= uint32(len(m.Types)) {
		return FuncType{}, false
	}
	return m.Types[typeIdx], true
}

// Table returns the type of a table by its index in the table index space,
// and the import that provides it when imported.
func (m *Module) Table(idx uint32) (TableType, *Import, bool) {
	var n uint32
	for i := range m.Imports {
		if m.Imports[i].Kind != ExternTable {
			continue
		}
		if n == idx {
			return m.Imports[i].Table, &m.Imports[i], true
		}
		n++
	}
	local := idx - n
	if idx < n || local >= uint32(len(m.Tables)) {
		return TableType{}, nil, false
	}
	return m.Tables[local], nil, true
}

// Memory returns memory 0 and the import that provides it when imported.
func (m *Module) Memory() (MemoryType, *Import, bool) {
	for i := range m.Imports {
		if m.Imports[i].Kind == ExternMemory {
			return m.Imports[i].Memory, &m.Imports[i], true
		}
	}
	if len(m.Memories) > 0 {
		return m.Memories[0], nil, true
	}
	return MemoryType{}, nil, false
}

// ExportName returns the first export name of an entity.
func (m *Module) ExportName(kind ExternKind, idx uint32) (string, bool) {
	for _, e := range m.Exports {
		if e.Kind == kind && e.Index == idx {
			return e.Name, true
		}
	}
	return "", false
}

// ExportedFunc returns the function index exported under name.
func (m *Module) ExportedFunc(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Kind == ExternFunc && e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}
