package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Rules describe how one schema version validates documents of its own shape.
type Rules[V any] struct {
	// Defaults is merged under every incoming document before decoding, so
	// absent fields take these values. Document values always win.
	Defaults Document

	// Normalize adjusts the decoded value before validation (trimming,
	// clamping, filling derived fields).
	Normalize func(*V)

	// Check enforces cross-field constraints after struct tag validation.
	// Return [FieldError] to attach a field path.
	Check func(V) error

	// Strict rejects fields that V does not declare.
	Strict bool
}

// Step is one schema version in a [Chain].
//
// The set of step kinds is closed; create steps with [Initial], [Version]
// and [Next].
type Step interface {
	// Number returns the schema version this step validates.
	Number() int

	valueType() reflect.Type
	previousType() reflect.Type
	hasUpgrade() bool
	validate(doc Document) (any, error)
	upgrade(prev any) (Document, error)
	encode(v any) (Document, error)
}

type stepKind uint8

const (
	kindInitial stepKind = iota + 1
	kindDocument
	kindTyped
)

type step[V any] struct {
	version  int
	kind     stepKind
	rules    Rules[V]
	prevType reflect.Type

	// upgradeDoc is set for kindDocument; nil means the previous document
	// passes through unchanged.
	upgradeDoc func(Document) (Document, error)

	// upgradeTyped is set for kindTyped.
	upgradeTyped func(any) (Document, error)
}

// Initial defines schema version 1, which has nothing to upgrade from.
//
// Version 1 must be able to default every field from an empty document: that
// is how missing files and first runs are handled.
func Initial[V any](rules Rules[V]) Step {
	return &step[V]{version: 1, kind: kindInitial, rules: rules}
}

// Version defines schema version n whose upgrade works on untyped documents.
//
// upgrade receives a copy of the previous version's validated value encoded
// as a Document and returns the document to validate at version n. A nil
// upgrade passes the previous document through unchanged; this fits versions
// that only add defaulted fields or tighten rules.
func Version[V any](n int, upgrade func(prev Document) (Document, error), rules Rules[V]) Step {
	return &step[V]{version: n, kind: kindDocument, rules: rules, upgradeDoc: upgrade}
}

// Next defines schema version n whose upgrade receives the previous version's
// validated Go value.
//
// [NewChain] verifies that P is the value type of version n-1.
func Next[P, V any](n int, upgrade func(prev P) (Document, error), rules Rules[V]) Step {
	s := &step[V]{
		version:  n,
		kind:     kindTyped,
		rules:    rules,
		prevType: reflect.TypeFor[P](),
	}

	if upgrade != nil {
		s.upgradeTyped = func(prev any) (Document, error) {
			typed, ok := prev.(P)
			if !ok {
				return nil, fmt.Errorf("previous value is %T, want %s", prev, s.prevType)
			}

			return upgrade(typed)
		}
	}

	return s
}

func (s *step[V]) Number() int { return s.version }

func (s *step[V]) valueType() reflect.Type { return reflect.TypeFor[V]() }

func (s *step[V]) previousType() reflect.Type { return s.prevType }

func (s *step[V]) hasUpgrade() bool {
	return s.upgradeDoc != nil || s.upgradeTyped != nil
}

// upgrade turns the validated value of version n-1 into a document shaped
// for this version. The caller validates the result.
func (s *step[V]) upgrade(prev any) (Document, error) {
	if s.upgradeTyped != nil {
		doc, err := s.upgradeTyped(prev)
		if err != nil {
			return nil, withVersion(err, s.version, ErrUpgradeFailed)
		}

		return doc, nil
	}

	doc, err := ToDocument(prev)
	if err != nil {
		return nil, withVersion(err, s.version, ErrUpgradeFailed)
	}

	if s.upgradeDoc == nil {
		return doc, nil
	}

	upgraded, err := s.upgradeDoc(doc)
	if err != nil {
		return nil, withVersion(err, s.version, ErrUpgradeFailed)
	}

	return upgraded, nil
}

func (s *step[V]) encode(v any) (Document, error) {
	return ToDocument(v)
}

// validate runs defaults, decoding, normalization, tag validation and
// cross-field checks, in that order.
func (s *step[V]) validate(doc Document) (any, error) {
	merged := Merge(s.rules.Defaults, doc)
	delete(merged, VersionKey)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, &Error{Version: s.version, Err: fmt.Errorf("%w: %w", ErrInvalid, err)}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if s.rules.Strict {
		dec.DisallowUnknownFields()
	}

	var value V

	err = dec.Decode(&value)
	if err != nil {
		return nil, s.decodeError(err)
	}

	if s.rules.Normalize != nil {
		s.rules.Normalize(&value)
	}

	err = validateTags(value)
	if err != nil {
		return nil, withVersion(err, s.version, ErrInvalid)
	}

	if s.rules.Check != nil {
		err = s.rules.Check(value)
		if err != nil {
			return nil, withVersion(err, s.version, ErrInvalid)
		}
	}

	return value, nil
}

func (s *step[V]) decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &Error{
			Version: s.version,
			Path:    typeErr.Field,
			Err:     fmt.Errorf("%w: expected %s, got %s", ErrInvalid, typeErr.Type, typeErr.Value),
		}
	}

	// encoding/json reports unknown fields only through the message text.
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return &Error{
			Version: s.version,
			Path:    strings.Trim(field, `"`),
			Err:     fmt.Errorf("%w: unknown field", ErrInvalid),
		}
	}

	return &Error{Version: s.version, Err: fmt.Errorf("%w: %w", ErrInvalid, err)}
}

var tagValidator = newTagValidator()

func newTagValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names so error paths match the document.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		if name == "" {
			return field.Name
		}

		return name
	})

	return v
}

// validateTags checks `validate:"..."` struct tags. Non-struct values have no
// tags and always pass.
func validateTags(value any) error {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}

		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		return nil
	}

	err := tagValidator.Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]

	rule := fe.Tag()
	if fe.Param() != "" {
		rule += "=" + fe.Param()
	}

	return &Error{
		Path: fieldPath(fe.Namespace()),
		Err:  fmt.Errorf("%w: failed %q rule", ErrInvalid, rule),
	}
}

// fieldPath drops the root type name from a validator namespace and turns
// "tags[0].name" into "tags.0.name".
func fieldPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}

	rest = strings.ReplaceAll(rest, "[", ".")
	rest = strings.ReplaceAll(rest, "]", "")

	return rest
}
