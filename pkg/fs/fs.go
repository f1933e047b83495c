// Package fs provides the byte-level filesystem used by the persistence
// engine, plus implementations for testing and fault injection.
//
// The main types are:
//   - [FS]: interface for the handful of operations a store needs
//   - [Real]: production implementation using [os] and atomic renames
//   - [Faulty]: testing implementation that fails selected operations
//   - [Locker]: advisory flock(2) locks guarding a store's file
//
// Example usage:
//
//	fsys := fs.NewReal()
//	data, err := fsys.ReadFile("ui.json")
//	if err != nil {
//	    return err
//	}
//
//	err = fsys.WriteFileAtomic("ui.json", data, 0o644)
package fs

import (
	"os"
)

// FS defines the filesystem operations the persistence engine relies on.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection.
//
// Paths use OS semantics (like the os package and path/filepath), not the
// slash-separated paths used by the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary. See [os.WriteFile].
	//
	// Note: WriteFile is not atomic. Errors or crashes can leave a partially
	// written or empty file. Use [FS.WriteFileAtomic] when that matters.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// WriteFileAtomic replaces the file at path with data so that readers
	// observe either the old or the new content, never a mix.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	// No error if the directory already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error
}
