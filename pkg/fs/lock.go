package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a lock is held by another open file
// description (another process, or another Locker in this process).
var ErrWouldBlock = errors.New("lock would block")

// Locker provides advisory file locks using flock(2).
//
// flock is advisory and applies to an open file description, not a pathname.
// All cooperating writers must take the lock for it to have effect. Lock a
// dedicated, stable lock file (for example "ui.json.lock"), never the data
// file itself: the data file is replaced by rename on every atomic write.
//
// This implementation is Unix-only.
type Locker struct {
	flock func(fd int, how int) error
}

// NewLocker returns a Locker backed by unix.Flock.
func NewLocker() *Locker {
	return &Locker{flock: unix.Flock}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	flock func(fd int, how int) error
}

// Path returns the lock file path.
func (lk *Lock) Path() string {
	return lk.path
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent. The lock file is left on disk; removing it would let a
// concurrent opener lock a different inode under the same name.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// TryLock acquires an exclusive lock on path without blocking.
//
// The lock file and its parent directories are created when missing.
// Returns an error satisfying errors.Is(err, [ErrWouldBlock]) when the lock
// is already held.
func (l *Locker) TryLock(path string) (*Lock, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile: %w", err)
	}

	err = flockRetryEINTR(l.flock, int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrWouldBlock, path)
		}

		return nil, fmt.Errorf("flock %q: %w", path, err)
	}

	return &Lock{path: path, file: file, flock: l.flock}, nil
}

func flockRetryEINTR(flock func(int, int) error, fd int, how int) error {
	for {
		err := flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
