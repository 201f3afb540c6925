package guest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"go.starlark.net/starlark"
)

// decodeJSON turns a JSON document into a Starlark value. Integral numbers
// become Int so counters round-trip without float drift.
func decodeJSON(raw []byte) (starlark.Value, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return starlark.None, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrSerialization, err)
	}
	return toStarlark(v)
}

func toStarlark(data any) (starlark.Value, error) {
	switch v := data.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case json.Number:
		if i, ok := new(big.Int).SetString(v.String(), 10); ok {
			return starlark.MakeBigInt(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %s: %v", ErrSerialization, v, err)
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(v), nil
	case []any:
		list := make([]starlark.Value, len(v))
		for i, item := range v {
			val, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = val
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(v))
		for _, k := range keys {
			val, err := toStarlark(v[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), val); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrSerialization, data)
	}
}

// encodeJSON is the inverse of decodeJSON.
func encodeJSON(v starlark.Value) (json.RawMessage, error) {
	data, err := fromStarlark(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

func fromStarlark(value starlark.Value) (any, error) {
	switch v := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return json.Number(v.String()), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return string(v), nil
	case *starlark.List:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := fromStarlark(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(v))
		for i, item := range v {
			conv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%w: dict key must be string, got %s", ErrSerialization, item[0].Type())
			}
			conv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported starlark type %s", ErrSerialization, v.Type())
	}
}
