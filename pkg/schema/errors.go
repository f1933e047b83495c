package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors. Use [errors.Is] to check for them; the returned error is
// usually an [*Error] carrying version and path context.
var (
	ErrVersionTooNew   = errors.New("document version is newer than any known schema")
	ErrUnknownVersion  = errors.New("unknown document version")
	ErrInvalid         = errors.New("invalid value")
	ErrUpgradeFailed   = errors.New("upgrade failed")
	ErrNotObject       = errors.New("document is not a JSON object")
	ErrInvalidChain    = errors.New("invalid schema chain")
	ErrVersionReserved = errors.New("top-level \"version\" field is reserved")
)

// Error is the uniform error type returned by chain operations.
//
// The cause appears first, followed by schema context:
//
//	invalid value: failed "required" rule (version=2 path=sidebar.width)
//
// Use [errors.As] to extract structured fields:
//
//	var sErr *schema.Error
//	if errors.As(err, &sErr) {
//	    fmt.Printf("field %s is invalid at version %d\n", sErr.Path, sErr.Version)
//	}
type Error struct {
	// Version is the schema version whose step failed, or the offending
	// document version for [ErrVersionTooNew] and [ErrUnknownVersion].
	Version int

	// Path is the dotted JSON field path, empty when the failure is not
	// tied to one field.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (version=N path=P)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var parts []string

	if e.Version != 0 {
		parts = append(parts, "version="+strconv.Itoa(e.Version))
	}

	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// FieldError reports a failed constraint on one field. Use it from
// [Rules.Check] so the resulting error carries the field path; the chain
// fills in the version.
func FieldError(path string, format string, args ...any) error {
	return &Error{
		Path: path,
		Err:  fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)),
	}
}

// withVersion attaches the step version to err without modifying it. A bare
// *Error is copied and annotated; when err wraps an *Error, the whole chain
// is kept and a new *Error carrying the inner path goes on top.
func withVersion(err error, version int, sentinel error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if !errors.As(err, &existing) {
		if errors.Is(err, sentinel) {
			return &Error{Version: version, Err: err}
		}

		return &Error{Version: version, Err: fmt.Errorf("%w: %w", sentinel, err)}
	}

	if existing.Version != 0 {
		version = existing.Version
	}

	if existing == err {
		annotated := *existing
		annotated.Version = version

		if !errors.Is(annotated.Err, sentinel) {
			annotated.Err = fmt.Errorf("%w: %w", sentinel, annotated.Err)
		}

		return &annotated
	}

	if !errors.Is(err, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, err)
	}

	return &Error{Version: version, Path: existing.Path, Err: err}
}
