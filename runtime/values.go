package runtime

import (
	"fmt"
	"reflect"
	"strconv"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
)

// Core modules only carry flat values, so calls support the WIT primitives
// that map onto a single core value.

// coreWitType returns the WIT type Call uses for a core value type when no
// WIT text was given.
func coreWitType(vt api.ValueType) (wit.Type, error) {
	switch vt {
	case api.ValueTypeI32:
		return wit.S32{}, nil
	case api.ValueTypeI64:
		return wit.S64{}, nil
	case api.ValueTypeF32:
		return wit.F32{}, nil
	case api.ValueTypeF64:
		return wit.F64{}, nil
	default:
		return nil, errors.Unsupported(errors.PhaseRuntime, "core value type "+api.ValueTypeName(vt))
	}
}

func coreWitTypes(ft wasmbin.FuncType) (params, results []wit.Type, err error) {
	for _, p := range ft.Params {
		t, err := coreWitType(p)
		if err != nil {
			return nil, nil, err
		}
		params = append(params, t)
	}
	for _, r := range ft.Results {
		t, err := coreWitType(r)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, t)
	}
	return params, results, nil
}

func lowerArgs(types []wit.Type, args []any) ([]uint64, error) {
	if len(types) != len(args) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Detail("expected %d arguments, got %d", len(types), len(args)).
			Build()
	}
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := lowerValue(types[i], a)
		if err != nil {
			return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
				Path("arg" + strconv.Itoa(i)).
				Value(a).
				Cause(err).
				Build()
		}
		out[i] = v
	}
	return out, nil
}

func lowerValue(t wit.Type, v any) (uint64, error) {
	switch t.(type) {
	case wit.Bool:
		b, ok := v.(bool)
		if !ok {
			return 0, fmt.Errorf("want bool, got %T", v)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case wit.U8:
		return lowerUnsigned(v, 8)
	case wit.U16:
		return lowerUnsigned(v, 16)
	case wit.U32:
		return lowerUnsigned(v, 32)
	case wit.U64:
		return lowerUnsigned(v, 64)
	case wit.S8:
		return lowerSigned(v, 8)
	case wit.S16:
		return lowerSigned(v, 16)
	case wit.S32:
		return lowerSigned(v, 32)
	case wit.S64:
		return lowerSigned(v, 64)
	case wit.F32:
		f, ok := toFloat(v)
		if !ok {
			return 0, fmt.Errorf("want float, got %T", v)
		}
		return api.EncodeF32(float32(f)), nil
	case wit.F64:
		f, ok := toFloat(v)
		if !ok {
			return 0, fmt.Errorf("want float, got %T", v)
		}
		return api.EncodeF64(f), nil
	case wit.Char:
		r, ok := v.(rune)
		if !ok || !utf8.ValidRune(r) {
			return 0, fmt.Errorf("want a valid rune, got %v", v)
		}
		return api.EncodeU32(uint32(r)), nil
	default:
		return 0, errors.Unsupported(errors.PhaseRuntime, fmt.Sprintf("WIT type %T in core call", t))
	}
}

func lowerUnsigned(v any, bits uint) (uint64, error) {
	rv := reflect.ValueOf(v)
	var u uint64
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u = rv.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return 0, fmt.Errorf("negative value %d for u%d", rv.Int(), bits)
		}
		u = uint64(rv.Int())
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
	if bits < 64 && u >= 1<<bits {
		return 0, fmt.Errorf("value %d overflows u%d", u, bits)
	}
	return u, nil
}

func lowerSigned(v any, bits uint) (uint64, error) {
	rv := reflect.ValueOf(v)
	var s int64
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if rv.Uint() > 1<<63-1 {
			return 0, fmt.Errorf("value %d overflows s%d", rv.Uint(), bits)
		}
		s = int64(rv.Uint())
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
	if bits < 64 {
		limit := int64(1) << (bits - 1)
		if s < -limit || s >= limit {
			return 0, fmt.Errorf("value %d overflows s%d", s, bits)
		}
	}
	if bits <= 32 {
		return api.EncodeI32(int32(s)), nil
	}
	return api.EncodeI64(s), nil
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	default:
		return 0, false
	}
}

func liftResults(types []wit.Type, raw []uint64) (any, error) {
	if len(raw) < len(types) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidData).
			Detail("expected %d results, got %d", len(types), len(raw)).
			Build()
	}
	switch len(types) {
	case 0:
		return nil, nil
	case 1:
		return liftValue(types[0], raw[0])
	}
	out := make([]any, len(types))
	for i, t := range types {
		v, err := liftValue(t, raw[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func liftValue(t wit.Type, raw uint64) (any, error) {
	switch t.(type) {
	case wit.Bool:
		return uint32(raw) != 0, nil
	case wit.U8:
		return uint8(raw), nil
	case wit.U16:
		return uint16(raw), nil
	case wit.U32:
		return api.DecodeU32(raw), nil
	case wit.U64:
		return raw, nil
	case wit.S8:
		return int8(raw), nil
	case wit.S16:
		return int16(raw), nil
	case wit.S32:
		return api.DecodeI32(raw), nil
	case wit.S64:
		return int64(raw), nil
	case wit.F32:
		return api.DecodeF32(raw), nil
	case wit.F64:
		return api.DecodeF64(raw), nil
	case wit.Char:
		return rune(api.DecodeU32(raw)), nil
	default:
		return nil, errors.Unsupported(errors.PhaseRuntime, fmt.Sprintf("WIT type %T in core call", t))
	}
}

// ParseArg converts command-line text into a Go value for t.
func ParseArg(t wit.Type, s string) (any, error) {
	var (
		v   any
		err error
	)
	switch t.(type) {
	case wit.Bool:
		v, err = strconv.ParseBool(s)
	case wit.U8, wit.U16, wit.U32, wit.U64:
		v, err = strconv.ParseUint(s, 0, 64)
	case wit.S8, wit.S16, wit.S32, wit.S64:
		v, err = strconv.ParseInt(s, 0, 64)
	case wit.F32, wit.F64:
		v, err = strconv.ParseFloat(s, 64)
	case wit.Char:
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError || size != len(s) {
			return nil, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("%q is not a single character", s))
		}
		v = r
	default:
		return nil, errors.Unsupported(errors.PhaseRuntime, fmt.Sprintf("WIT type %T in core call", t))
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "parse "+strconv.Quote(s))
	}
	return v, nil
}

// TypeName returns the WIT spelling of a primitive type.
func TypeName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.U16:
		return "u16"
	case wit.U32:
		return "u32"
	case wit.U64:
		return "u64"
	case wit.S8:
		return "s8"
	case wit.S16:
		return "s16"
	case wit.S32:
		return "s32"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	default:
		return fmt.Sprintf("%T", t)
	}
}
