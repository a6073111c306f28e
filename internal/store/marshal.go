package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/telecommand/internal/ir"
)

// marshalBindings converts bindings to canonical JSON TEXT for storage.
func marshalBindings(b ir.Bindings) (string, error) {
	if b == nil {
		b = ir.Bindings{}
	}
	data, err := ir.MarshalCanonical(b)
	if err != nil {
		return "", fmt.Errorf("marshal bindings: %w", err)
	}
	return string(data), nil
}

// marshalJSON serializes struct columns (definitions, constraint and
// verification results). HTML escaping is disabled so stored text matches
// the canonical form used for bindings.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalDefinition parses a stored definition and restores parameter
// defaults to their binding types.
func unmarshalDefinition(data string) (ir.CommandDefinition, error) {
	var def ir.CommandDefinition
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&def); err != nil {
		return ir.CommandDefinition{}, fmt.Errorf("unmarshal definition: %w", err)
	}
	for i, p := range def.Parameters {
		if p.Default == nil {
			continue
		}
		v, err := ir.CoerceParameter(p, fromJSON(p.Default))
		if err != nil {
			return ir.CommandDefinition{}, fmt.Errorf("unmarshal definition: default for %s: %w", p.Name, err)
		}
		def.Parameters[i].Default = v
	}
	return def, nil
}

// unmarshalBindings parses canonical JSON TEXT and coerces every value
// through its parameter spec. Integers beyond 2^53 survive because numbers
// are decoded as json.Number.
func unmarshalBindings(def ir.CommandDefinition, data string) (ir.Bindings, error) {
	raw := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal bindings: %w", err)
	}

	out := make(ir.Bindings, len(raw))
	for name, v := range raw {
		v = fromJSON(v)
		p, ok := def.Parameter(name)
		if !ok {
			out[name] = v
			continue
		}
		coerced, err := ir.CoerceParameter(p, v)
		if err != nil {
			return nil, fmt.Errorf("unmarshal bindings: %s: %w", name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

// fromJSON converts json.Number leaves to int64 when integral, float64
// otherwise.
func fromJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i, e := range val {
			val[i] = fromJSON(e)
		}
		return val
	case map[string]any:
		for k, e := range val {
			val[k] = fromJSON(e)
		}
		return val
	default:
		return v
	}
}

func unmarshalList[T any](column, data string) ([]T, error) {
	if data == "" || data == "[]" || data == "null" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", column, err)
	}
	return out, nil
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", column, err)
	}
	return t.UTC(), nil
}
