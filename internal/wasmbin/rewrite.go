package wasmbin

// RewriteImports returns a copy of bin whose imports are renamed by rename.
// Every other section is copied byte for byte. Tag imports are not
// supported because their payload is not retained by the parser.
func RewriteImports(bin []byte, rename func(Import) (module, name string)) ([]byte, error) {
	r := &reader{data: bin}
	if !IsModule(bin) {
		return nil, r.fail("not a core WebAssembly module")
	}
	r.pos = 8

	out := make([]byte, 0, len(bin)+32)
	out = append(out, magicVersion...)
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
		if id != sectionImport {
			out = append(out, id)
			out = append(out, EncodeULEB128(size)...)
			out = append(out, body...)
			continue
		}

		var m Module
		sr := &reader{data: body}
		if err := m.parseImports(sr); err != nil {
			return nil, err
		}
		section := EncodeULEB128(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			if imp.Kind == ExternTag {
				return nil, sr.fail("import %s.%s: tag imports cannot be rewritten", imp.Module, imp.Name)
			}
			imp.Module, imp.Name = rename(imp)
			section = appendImport(section, imp)
		}
		out = append(out, sectionImport)
		out = append(out, EncodeULEB128(uint32(len(section)))...)
		out = append(out, section...)
	}
	return out, nil
}
