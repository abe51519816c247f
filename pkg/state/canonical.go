package state

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
)

// Canonicalize converts v into the JSON-shaped representation used inside
// State: string, bool, float64, []any, map[string]any and nil. Containers
// are always copied, so the result never aliases v.
//
// Values of other types (structs, named types) are converted through a JSON
// round trip.
func Canonicalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		return x, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			c, err := Canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			c, err := Canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			c, err := Canonicalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			c, err := Canonicalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = c
		}
		return out, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %T: %w", v, err)
	}
	var out any
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("canonicalize %T: %w", v, err)
	}
	return out, nil
}

// canonicalFor canonicalizes v and checks it against kind. Nil maps to the
// zero value of kind.
func canonicalFor(kind Kind, v any) (any, error) {
	if v == nil {
		return zeroOf(kind), nil
	}
	c, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return zeroOf(kind), nil
	}
	if !fits(kind, c) {
		return nil, fmt.Errorf("%T is not a %s value", v, kind)
	}
	return c, nil
}

func fits(kind Kind, c any) bool {
	switch kind {
	case KindText:
		_, ok := c.(string)
		return ok
	case KindBool:
		_, ok := c.(bool)
		return ok
	case KindNumber:
		_, ok := c.(float64)
		return ok
	case KindList:
		_, ok := c.([]any)
		return ok
	case KindMap:
		_, ok := c.(map[string]any)
		return ok
	}
	return false
}

func zeroOf(kind Kind) any {
	switch kind {
	case KindText:
		return ""
	case KindBool:
		return false
	case KindNumber:
		return float64(0)
	case KindList:
		return []any{}
	case KindMap:
		return map[string]any{}
	}
	return nil
}

// deepCopy copies a canonical value. It never fails because canonical values
// only contain JSON-shaped types.
func deepCopy(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
