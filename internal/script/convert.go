// ABOUTME: Conversion between Go values and interpreter values
// ABOUTME: Handles JSON-shaped data in both directions for call arguments and results

package script

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ToValue converts a JSON-shaped Go value into an interpreter value.
func ToValue(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return x, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		if x == float64(int64(x)) && x >= -(1<<53) && x <= 1<<53 {
			return starlark.MakeInt64(int64(x)), nil
		}
		return starlark.Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("converting number %q: %w", x, err)
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for i, e := range x {
			sv, err := ToValue(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case []string:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			elems = append(elems, starlark.String(e))
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for _, k := range sortedKeys(x) {
			sv, err := ToValue(x[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		// Fall back to a JSON round trip for structs and typed maps.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported argument type %T", v)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("unsupported argument type %T", v)
		}
		return ToValue(generic)
	}
}

// FromValue converts an interpreter value into a JSON-shaped Go value.
// Values with no JSON shape are rendered with their String form.
func FromValue(v starlark.Value) any {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.String:
		return string(x)
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i
		}
		return x.BigInt().String()
	case starlark.Float:
		return float64(x)
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			out = append(out, FromValue(x.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, FromValue(e))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = FromValue(item[1])
		}
		return out
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				continue
			}
			out[name] = FromValue(attr)
		}
		return out
	default:
		return v.String()
	}
}

// Kwargs converts a Go argument map into sorted keyword arguments.
func Kwargs(args map[string]any) ([]starlark.Tuple, error) {
	kwargs := make([]starlark.Tuple, 0, len(args))
	for _, k := range sortedKeys(args) {
		v, err := ToValue(args[k])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(k), v})
	}
	return kwargs, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
