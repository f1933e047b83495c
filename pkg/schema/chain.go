package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Chain is an ordered, contiguous sequence of schema versions whose latest
// version decodes into T.
//
// A Chain is immutable after [NewChain] and safe for concurrent use.
type Chain[T any] struct {
	steps []Step // steps[i] is version i+1
}

// NewChain validates steps and returns a chain ordered by version.
//
// Steps may be passed in any order. The chain must be non-empty, have no
// duplicate versions, and form a contiguous sequence starting at 1. Version 1
// cannot have an upgrade, every typed upgrade must accept the previous
// version's value type, and the latest version must decode into T. If T is a
// struct it must not declare a top-level "version" field: that field belongs
// to the chain.
func NewChain[T any](steps ...Step) (*Chain[T], error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no versions", ErrInvalidChain)
	}

	sorted := slices.Clone(steps)
	slices.SortFunc(sorted, func(a, b Step) int { return a.Number() - b.Number() })

	for i, s := range sorted {
		want := i + 1

		if s.Number() != want {
			if i > 0 && s.Number() == sorted[i-1].Number() {
				return nil, fmt.Errorf("%w: duplicate version %d", ErrInvalidChain, s.Number())
			}

			return nil, fmt.Errorf("%w: expected version %d, got %d (versions must start at 1 without gaps)", ErrInvalidChain, want, s.Number())
		}

		if i == 0 {
			if s.hasUpgrade() {
				return nil, fmt.Errorf("%w: version 1 cannot have an upgrade", ErrInvalidChain)
			}

			continue
		}

		prevType := s.previousType()
		if prevType != nil && prevType != sorted[i-1].valueType() {
			return nil, fmt.Errorf("%w: version %d upgrades from %s, but version %d decodes into %s",
				ErrInvalidChain, s.Number(), prevType, i, sorted[i-1].valueType())
		}
	}

	latest := sorted[len(sorted)-1]
	if latest.valueType() != reflect.TypeFor[T]() {
		return nil, fmt.Errorf("%w: latest version %d decodes into %s, want %s",
			ErrInvalidChain, latest.Number(), latest.valueType(), reflect.TypeFor[T]())
	}

	if declaresVersionField(reflect.TypeFor[T]()) {
		return nil, fmt.Errorf("%w: %w in %s", ErrInvalidChain, ErrVersionReserved, reflect.TypeFor[T]())
	}

	return &Chain[T]{steps: sorted}, nil
}

// MustChain is like [NewChain] but panics on error. Use it for chains
// declared as package-level variables.
func MustChain[T any](steps ...Step) *Chain[T] {
	chain, err := NewChain[T](steps...)
	if err != nil {
		panic(err)
	}

	return chain
}

// Latest returns the newest schema version.
func (c *Chain[T]) Latest() int {
	return len(c.steps)
}

// Versions returns all schema versions in ascending order.
func (c *Chain[T]) Versions() []int {
	out := make([]int, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.Number()
	}

	return out
}

// DocumentVersion returns the version a document claims.
//
// Absent or non-numeric version fields read as 1. Returns an error wrapping
// [ErrUnknownVersion] for numbers that are not positive integers.
func DocumentVersion(doc Document) (int, error) {
	raw, present := doc[VersionKey]

	v, ok := versionNumber(raw, present)
	if !ok {
		return 0, &Error{Version: v, Err: fmt.Errorf("%w: %v", ErrUnknownVersion, raw)}
	}

	return v, nil
}

// Upgrade brings raw from its own version to the latest one.
//
// The step matching raw's version validates raw as-is; every later step
// upgrades the previous validated value and validates the result. The first
// failure aborts the walk.
func (c *Chain[T]) Upgrade(raw Document) (T, error) {
	var zero T

	start, err := DocumentVersion(raw)
	if err != nil {
		return zero, err
	}

	if start > c.Latest() {
		return zero, &Error{
			Version: start,
			Err:     fmt.Errorf("%w: latest known version is %d", ErrVersionTooNew, c.Latest()),
		}
	}

	first, ok := c.step(start)
	if !ok {
		return zero, &Error{Version: start, Err: ErrUnknownVersion}
	}

	value, err := first.validate(raw)
	if err != nil {
		return zero, err
	}

	for _, s := range c.steps[start:] {
		doc, err := s.upgrade(value)
		if err != nil {
			return zero, err
		}

		value, err = s.validate(doc)
		if err != nil {
			return zero, err
		}
	}

	return value.(T), nil
}

// Validate validates doc against the latest version only. The document's own
// version field is ignored: doc is assumed to be shaped for the latest
// version already.
func (c *Chain[T]) Validate(doc Document) (T, error) {
	var zero T

	value, err := c.steps[len(c.steps)-1].validate(doc)
	if err != nil {
		return zero, err
	}

	return value.(T), nil
}

// Encode converts v into a Document tagged with the latest version.
func (c *Chain[T]) Encode(v T) (Document, error) {
	doc, err := c.steps[len(c.steps)-1].encode(v)
	if err != nil {
		return nil, err
	}

	doc[VersionKey] = c.Latest()

	return doc, nil
}

// MarshalIndent encodes v as indented JSON with the version field first and
// the remaining fields in T's declaration order, followed by a newline.
func (c *Chain[T]) MarshalIndent(v T) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %T", ErrNotObject, v)
	}

	var buf bytes.Buffer

	buf.WriteString(`{"` + VersionKey + `":` + strconv.Itoa(c.Latest()))

	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}

	buf.WriteByte('}')

	var out bytes.Buffer

	err = json.Indent(&out, buf.Bytes(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("indent: %w", err)
	}

	out.WriteByte('\n')

	return out.Bytes(), nil
}

func (c *Chain[T]) step(version int) (Step, bool) {
	if version < 1 || version > len(c.steps) {
		return nil, false
	}

	return c.steps[version-1], true
}

func declaresVersionField(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return false
	}

	for i := range t.NumField() {
		field := t.Field(i)

		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" && field.IsExported() && !field.Anonymous {
			name = field.Name
		}

		if strings.EqualFold(name, VersionKey) {
			return true
		}
	}

	return false
}
