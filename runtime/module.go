package runtime

import (
	"context"
	"strings"
	"sync"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

// Module is a loaded guest plus the optional WIT text that types its
// exports for Call.
type Module struct {
	runtime  *Runtime
	mod      *engine.Module
	witText  string
	sigs     map[string]signature
	sigsErr  error
	sigsOnce sync.Once
}

// Engine returns the engine-level module.
func (m *Module) Engine() *engine.Module {
	return m.mod
}

// SharedMemory reports whether the guest can use thread.spawn and
// parallel_for.
func (m *Module) SharedMemory() bool {
	return m.mod.SharedMemory()
}

func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	return m.InstantiateWithConfig(ctx, nil)
}

// InstantiateWithConfig creates an instance with custom stdio, name or args.
func (m *Module) InstantiateWithConfig(ctx context.Context, cfg *engine.InstanceConfig) (*Instance, error) {
	inst, err := m.mod.Instantiate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Instance{module: m, inst: inst}, nil
}

type Export struct {
	Name string
	Type wasmbin.FuncType
}

func (m *Module) Exports() []Export {
	fes := m.mod.Exports()
	if fes == nil {
		return nil
	}
	exports := make([]Export, len(fes))
	for i, fe := range fes {
		exports[i] = Export{Name: fe.Name, Type: fe.Type}
	}
	return exports
}

func (m *Module) coreType(name string) (wasmbin.FuncType, bool) {
	idx, ok := m.mod.Parsed().ExportedFunc(name)
	if !ok {
		return wasmbin.FuncType{}, false
	}
	return m.mod.Parsed().FunctionType(idx)
}

type signature struct {
	params  []wit.Type
	results []wit.Type
}

// witSignatures reads every "name: func(p: type, ...) -> result;"
// declaration in witText. Other declarations are skipped.
func witSignatures(witText string) (map[string]signature, error) {
	sigs := make(map[string]signature)
	for _, decl := range strings.Split(witText, ";") {
		head, rest, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		rest, ok = strings.CutPrefix(strings.TrimSpace(rest), "func")
		if !ok {
			continue
		}
		fields := strings.Fields(head)
		if len(fields) == 0 {
			continue
		}
		name := fields[len(fields)-1]

		lp, rp := strings.Index(rest, "("), strings.Index(rest, ")")
		if lp < 0 || rp < lp {
			return nil, errors.InvalidData(errors.PhaseLoad, []string{name}, "malformed parameter list")
		}
		var sig signature
		for _, p := range strings.Split(rest[lp+1:rp], ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			_, typ, _ := strings.Cut(p, ":")
			t, err := wit.ParseType(strings.TrimSpace(typ))
			if err != nil {
				return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "parse param type of "+name)
			}
			sig.params = append(sig.params, t)
		}

		result := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest[rp+1:]), "->"))
		result = strings.TrimSuffix(strings.TrimPrefix(result, "("), ")")
		for _, r := range strings.Split(result, ",") {
			if r = strings.TrimSpace(r); r == "" {
				continue
			}
			t, err := wit.ParseType(r)
			if err != nil {
				return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "parse result type of "+name)
			}
			sig.results = append(sig.results, t)
		}
		sigs[name] = sig
	}
	if len(sigs) == 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "no functions found in WIT text")
	}
	return sigs, nil
}

// Signature returns the WIT types Call converts arguments and results with.
// WIT text takes precedence; otherwise they are inferred from the export's
// core signature.
func (m *Module) Signature(name string) ([]wit.Type, []wit.Type, error) {
	if m.witText != "" {
		m.sigsOnce.Do(func() {
			m.sigs, m.sigsErr = witSignatures(m.witText)
		})
		if m.sigsErr != nil {
			return nil, nil, m.sigsErr
		}
		sig, ok := m.sigs[name]
		if !ok {
			return nil, nil, errors.NotFound(errors.PhaseRuntime, "function", name)
		}
		return sig.params, sig.results, nil
	}
	ft, ok := m.coreType(name)
	if !ok {
		return nil, nil, errors.NotFound(errors.PhaseRuntime, "exported function", name)
	}
	return coreWitTypes(ft)
}
