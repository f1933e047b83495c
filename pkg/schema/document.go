package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tailscale/hujson"
)

// VersionKey is the top-level field holding a document's schema version.
const VersionKey = "version"

// Document is an untyped JSON object: the raw form of stored state and of
// partial updates.
//
// Values are JSON-shaped: nested objects are Document or map[string]any,
// arrays are []any, numbers are json.Number (when parsed) or any Go number,
// plus string, bool and nil. A nil value in a patch means "delete this key".
type Document map[string]any

// ParseDocument parses JSON (or HuJSON: comments and trailing commas are
// accepted) into a Document. Numbers are kept as json.Number so values round
// trip without float rounding.
//
// Returns [ErrNotObject] when the top-level value is not an object.
func ParseDocument(data []byte) (Document, error) {
	// Standardize may rewrite its input in place.
	standardized, err := hujson.Standardize(bytes.Clone(data))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	value, err := decodeJSON(standardized)
	if err != nil {
		return nil, err
	}

	doc, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrNotObject, jsonKind(value))
	}

	return doc, nil
}

// ToDocument converts any JSON-marshalable value into a Document.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	value, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}

	doc, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: %T encodes to %s", ErrNotObject, v, jsonKind(value))
	}

	return doc, nil
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}

	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}

	return out
}

// Get returns the value at a dotted path such as "sidebar.width".
func (d Document) Get(path string) (any, bool) {
	parent, key, ok := d.lookupParent(path, false)
	if !ok {
		return nil, false
	}

	v, ok := parent[key]

	return v, ok
}

// Set stores v at a dotted path, creating intermediate objects as needed.
// A non-object value in the way is replaced by an object.
func (d Document) Set(path string, v any) {
	parent, key, _ := d.lookupParent(path, true)
	parent[key] = v
}

// Delete removes the value at a dotted path. Missing paths are ignored.
func (d Document) Delete(path string) {
	parent, key, ok := d.lookupParent(path, false)
	if ok {
		delete(parent, key)
	}
}

// Rename moves the value at from to to, reporting whether from existed.
// An existing value at to is overwritten.
func (d Document) Rename(from, to string) bool {
	v, ok := d.Get(from)
	if !ok {
		return false
	}

	d.Delete(from)
	d.Set(to, v)

	return true
}

func (d Document) lookupParent(path string, create bool) (map[string]any, string, bool) {
	segments := strings.Split(path, ".")
	current := map[string]any(d)

	for _, segment := range segments[:len(segments)-1] {
		next, ok := asMap(current[segment])
		if !ok {
			if !create {
				return nil, "", false
			}

			next = Document{}
			current[segment] = next
		}

		current = next
	}

	return current, segments[len(segments)-1], true
}

// Merge returns a new document with patch deep-merged onto a copy of base.
//
// Objects merge key by key recursively. A key whose patch value is nil is
// removed from the result. Arrays and scalars in patch replace the base value
// wholesale; arrays are never merged element-wise. Neither input is modified.
func Merge(base, patch Document) Document {
	out := base.Clone()
	if out == nil {
		out = Document{}
	}

	for key, patchValue := range patch {
		if patchValue == nil {
			delete(out, key)

			continue
		}

		patchMap, patchIsMap := asMap(patchValue)
		if !patchIsMap {
			out[key] = cloneValue(patchValue)

			continue
		}

		baseMap, _ := asMap(out[key])
		out[key] = Merge(baseMap, patchMap)
	}

	return out
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var value any

	err := dec.Decode(&value)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if dec.More() {
		return nil, fmt.Errorf("invalid JSON: trailing data after top-level value")
	}

	return value, nil
}

// asMap accepts both Document and plain map[string]any.
func asMap(v any) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return Document(m), true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Document:
		return typed.Clone()
	case map[string]any:
		return Document(typed).Clone()
	case []any:
		out := make([]any, len(typed))
		for i, elem := range typed {
			out[i] = cloneValue(elem)
		}

		return out
	default:
		return v
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// versionNumber interprets a document's version field.
//
// Absent or non-numeric values read as version 1. Numbers that are not
// positive integers are reported as not ok.
func versionNumber(v any, present bool) (int, bool) {
	if !present {
		return 1, true
	}

	var f float64

	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return clampVersion(i)
		}

		parsed, err := n.Float64()
		if err != nil {
			return 1, true
		}

		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		return clampVersion(int64(n))
	case int64:
		return clampVersion(n)
	default:
		return 1, true
	}

	if f != math.Trunc(f) {
		return 0, false
	}

	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}

	if f < 1 {
		return 0, false
	}

	return int(f), true
}

// clampVersion saturates huge versions so they still read as "too new".
func clampVersion(i int64) (int, bool) {
	if i < 1 {
		return int(max(i, math.MinInt32)), false
	}

	if i > math.MaxInt32 {
		return math.MaxInt32, true
	}

	return int(i), true
}
