package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// normalize deep-copies v into plain JSON shapes ([]any, map[string]any,
// scalars). Named string/number/bool types and typed maps/slices are
// converted; anything else fails with ErrUnsupportedValue.
func normalize(v any, path []string) (any, error) {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64:
		return t, nil
	case uint64:
		return fromUint(t), nil
	case json.Number:
		return fromJSONNumber(t, path)
	case float32:
		return checkFloat(float64(t), path, t)
	case float64:
		return checkFloat(t, path, t)
	case map[string]any:
		if t == nil {
			return nil, nil
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			ne, err := normalize(e, childPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = ne
		}
		return out, nil
	case []any:
		if t == nil {
			return nil, nil
		}
		out := make([]any, len(t))
		for i, e := range t {
			ne, err := normalize(e, childPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float(), path, v)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, unsupported(path, v)
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			ne, err := normalize(iter.Value().Interface(), childPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = ne
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, unsupported(path, v)
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ne, err := normalize(rv.Index(i).Interface(), childPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	}
	return nil, unsupported(path, v)
}

// fromJSONNumber resolves a json.Number to int64, uint64 or float64 so that
// normalized documents hold only native Go numbers.
func fromJSONNumber(n json.Number, path []string) (any, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return u, nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return nil, unsupported(path, n)
	}
	return checkFloat(f, path, n)
}

// fromUint keeps unsigned values as int64 whenever they fit, matching what
// JSON decoding produces. Binary codecs hand back uint64 for any positive
// integer.
func fromUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func checkFloat(f float64, path []string, orig any) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, unsupported(path, orig)
	}
	return f, nil
}

func unsupported(path []string, v any) error {
	return fmt.Errorf("%w at %q: %T", ErrUnsupportedValue, FormatPointer(path), v)
}

func childPath(path []string, seg string) []string {
	return append(path[:len(path):len(path)], seg)
}

// clone deep-copies an already normalized value.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	}
	return v
}

// equal compares two normalized values. Numbers compare by value across
// Go kinds, so int 1 equals float64 1 and json.Number "1.0".
func equal(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an.equal(bn)
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !equal(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	}
	return false
}

type numKind uint8

const (
	numInt numKind = iota
	numUint
	numFloat
)

type number struct {
	kind numKind
	i    int64
	u    uint64
	f    float64
}

func toNumber(v any) (number, bool) {
	switch t := v.(type) {
	case int:
		return number{kind: numInt, i: int64(t)}, true
	case int8:
		return number{kind: numInt, i: int64(t)}, true
	case int16:
		return number{kind: numInt, i: int64(t)}, true
	case int32:
		return number{kind: numInt, i: int64(t)}, true
	case int64:
		return number{kind: numInt, i: t}, true
	case uint:
		return number{kind: numUint, u: uint64(t)}, true
	case uint8:
		return number{kind: numUint, u: uint64(t)}, true
	case uint16:
		return number{kind: numUint, u: uint64(t)}, true
	case uint32:
		return number{kind: numUint, u: uint64(t)}, true
	case uint64:
		return number{kind: numUint, u: t}, true
	case float32:
		return number{kind: numFloat, f: float64(t)}, true
	case float64:
		return number{kind: numFloat, f: t}, true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return number{kind: numInt, i: i}, true
		}
		if f, err := t.Float64(); err == nil {
			return number{kind: numFloat, f: f}, true
		}
	}
	return number{}, false
}

func (n number) float() float64 {
	switch n.kind {
	case numInt:
		return float64(n.i)
	case numUint:
		return float64(n.u)
	}
	return n.f
}

func (n number) equal(o number) bool {
	switch {
	case n.kind == numInt && o.kind == numInt:
		return n.i == o.i
	case n.kind == numUint && o.kind == numUint:
		return n.u == o.u
	case n.kind == numInt && o.kind == numUint:
		return n.i >= 0 && uint64(n.i) == o.u
	case n.kind == numUint && o.kind == numInt:
		return o.i >= 0 && uint64(o.i) == n.u
	}
	return n.float() == o.float()
}

// Normalize returns a deep copy of doc holding only plain JSON shapes and
// native Go numbers. A nil doc yields an empty map.
func Normalize(doc map[string]any) (map[string]any, error) {
	return normalizeDoc(doc)
}

// Decode parses a JSON document. Integers are kept exact (int64 or uint64)
// instead of going through float64.
func Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return normalizeDoc(doc)
}
