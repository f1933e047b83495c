package store

import (
	"errors"
	"strings"
)

// Sentinel errors. Use [errors.Is] to check for them; schema failures
// additionally match the sentinels of package schema.
var (
	// ErrCorruptFile means the file exists but is not a JSON object.
	// It is never repaired automatically.
	ErrCorruptFile = errors.New("corrupt file")

	// ErrAlreadyOpen means another store on the same writer owns the path.
	ErrAlreadyOpen = errors.New("store already open")

	// ErrLocked means another process holds the path's lock file.
	ErrLocked = errors.New("file is locked by another process")

	// ErrClosed is returned by updates on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrWriteFailed wraps disk write failures reported by the writer.
	ErrWriteFailed = errors.New("write failed")
)

// Error is the uniform error type returned by store operations.
//
// The cause appears first, followed by the file path:
//
//	corrupt file: invalid JSON: unexpected EOF (path=/data/ui.json)
type Error struct {
	// Path is the store's file path.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (path=P)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder

	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}

	if e.Path != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}

		b.WriteString("(path=" + e.Path + ")")
	}

	return b.String()
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func withPath(err error, path string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Path == "" {
			existing.Path = path
		}

		return err
	}

	return &Error{Path: path, Err: err}
}
