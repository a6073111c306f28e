package ir

import (
	"encoding/base64"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// CoerceParameter converts a raw argument into the binding representation
// for p and checks range and enum membership.
//
// Raw values may come from CUE, YAML, JSON or command-line strings, so each
// type accepts its natural Go form plus a string encoding:
//
//	integer  int*, integral float64, decimal string     -> int64
//	float    any number, decimal string                 -> float64
//	boolean  bool, "true"/"false"                        -> bool
//	time     time.Time, RFC 3339 string                  -> time.Time (UTC)
//	binary   []byte, base64 string                       -> []byte
//	string   string (NFC normalized)                     -> string
//	enum     string listed in EnumValues                 -> string
//	aggregate map[string]any                             -> map[string]any
//	array    any slice                                   -> []any
func CoerceParameter(p ParameterSpec, raw any) (any, error) {
	if raw == nil {
		return nil, fmt.Errorf("value is null")
	}
	switch p.Type {
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return norm.NFC.String(s), nil

	case ParamEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected enum string, got %T", raw)
		}
		s = norm.NFC.String(s)
		if !slices.Contains(p.EnumValues, s) {
			return nil, fmt.Errorf("%q is not one of [%s]", s, strings.Join(p.EnumValues, ", "))
		}
		return s, nil

	case ParamInteger:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		if err := checkRange(p, float64(n)); err != nil {
			return nil, err
		}
		return n, nil

	case ParamFloat:
		f, err := toFloat64(raw)
		if err != nil {
			return nil, err
		}
		if err := checkRange(p, f); err != nil {
			return nil, err
		}
		return f, nil

	case ParamBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", raw)

	case ParamTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("expected RFC 3339 time: %w", err)
			}
			return t.UTC(), nil
		}
		return nil, fmt.Errorf("expected time, got %T", raw)

	case ParamBinary:
		switch v := raw.(type) {
		case []byte:
			return slices.Clone(v), nil
		case string:
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("expected base64 binary: %w", err)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected binary, got %T", raw)

	case ParamAggregate:
		m, ok := raw.(map[string]any)
		if !ok {
			if b, isBindings := raw.(Bindings); isBindings {
				m, ok = map[string]any(b), true
			}
		}
		if !ok {
			return nil, fmt.Errorf("expected aggregate object, got %T", raw)
		}
		v, err := NormalizeValue(m)
		if err != nil {
			return nil, err
		}
		return v, nil

	case ParamArray:
		switch raw.(type) {
		case []any, []string, []int64, []float64, []int, []bool:
		default:
			return nil, fmt.Errorf("expected array, got %T", raw)
		}
		return NormalizeValue(raw)

	default:
		return nil, fmt.Errorf("unknown parameter type %q", p.Type)
	}
}

// NormalizeValue converts nested aggregate and array contents to the closed
// binding value set.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, int64, float64, time.Time:
		return val, nil
	case string:
		return norm.NFC.String(val), nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case float32:
		return float64(val), nil
	case []byte:
		return slices.Clone(val), nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = norm.NFC.String(s)
		}
		return out, nil
	case []int64:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out, nil
	case []int:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = int64(n)
		}
		return out, nil
	case []float64:
		out := make([]any, len(val))
		for i, f := range val {
			out[i] = f
		}
		return out, nil
	case []bool:
		out := make([]any, len(val))
		for i, b := range val {
			out[i] = b
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.Abs(v) > 1<<53 {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func toFloat64(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case float32:
		f = float64(v)
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected float, got %q", v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected float, got %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected finite float, got %v", f)
	}
	return f, nil
}

func checkRange(p ParameterSpec, v float64) error {
	if p.Min != nil && v < *p.Min {
		return fmt.Errorf("%v below minimum %v", v, *p.Min)
	}
	if p.Max != nil && v > *p.Max {
		return fmt.Errorf("%v above maximum %v", v, *p.Max)
	}
	return nil
}
