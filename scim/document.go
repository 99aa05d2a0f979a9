package scim

import (
	"reflect"
	"strings"
	"time"
)

// Helpers for working with decoded JSON documents (map[string]any
// trees). Attribute names in SCIM are case-insensitive, so every key
// lookup here folds case while the documents keep their original keys.

// lookupKey finds a key in a document case-insensitively, returning the
// stored key, its value, and whether it was found.
func lookupKey(doc map[string]any, name string) (string, any, bool) {
	if value, ok := doc[name]; ok {
		return name, value, true
	}
	for key, value := range doc {
		if strings.EqualFold(key, name) {
			return key, value, true
		}
	}
	return "", nil, false
}

// deleteKey removes a key case-insensitively.
func deleteKey(doc map[string]any, name string) bool {
	if key, _, ok := lookupKey(doc, name); ok {
		delete(doc, key)
		return true
	}
	return false
}

// resolvePath walks a dotted attribute path through a document,
// fanning out over arrays. It returns every value reachable at the
// path; absent segments contribute nothing.
func resolvePath(value any, path string) []any {
	if path == "" {
		if value == nil {
			return nil
		}
		return []any{value}
	}
	head, rest, _ := strings.Cut(path, ".")
	switch v := value.(type) {
	case map[string]any:
		if _, next, ok := lookupKey(v, head); ok {
			return resolvePath(next, rest)
		}
		return nil
	case []any:
		var out []any
		for _, item := range v {
			out = append(out, resolvePath(item, path)...)
		}
		return out
	default:
		return nil
	}
}

// asSlice normalises array-ish values to []any.
func asSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// isEmptyValue reports whether a value counts as absent: nil, empty
// string, empty array, or empty object.
func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// toNumber converts JSON-decoded or literal numerics to float64.
func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// isDateTime reports whether a string matches the RFC 3339 profile.
func isDateTime(s string) bool {
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

// deepEqual compares two document values, treating numeric types as
// interchangeable so re-coerced documents compare equal to decoded
// ones.
func deepEqual(x, y any) bool {
	xn, xok := toNumber(x)
	yn, yok := toNumber(y)
	if xok && yok {
		return xn == yn
	}
	switch xv := x.(type) {
	case map[string]any:
		yv, ok := y.(map[string]any)
		if !ok || len(xv) != len(yv) {
			return false
		}
		for key, val := range xv {
			other, present := yv[key]
			if !present || !deepEqual(val, other) {
				return false
			}
		}
		return true
	case []any:
		yv, ok := y.([]any)
		if !ok || len(xv) != len(yv) {
			return false
		}
		for i := range xv {
			if !deepEqual(xv[i], yv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(x, y)
}

// deepCopy clones a document value tree.
func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

// deepCopyDoc clones a document.
func deepCopyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return deepCopy(doc).(map[string]any)
}

// deepMerge merges src into dst recursively. Scalar conflicts resolve
// in favour of src.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		existingKey, existing, found := lookupKey(dst, key)
		if !found {
			dst[key] = val
			continue
		}
		dstMap, dstOK := existing.(map[string]any)
		srcMap, srcOK := val.(map[string]any)
		if dstOK && srcOK {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[existingKey] = val
	}
}
