package fs

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

// Op names one [FS] operation for fault injection and call counting.
type Op string

// Operations understood by [Faulty].
const (
	OpReadFile        Op = "read_file"
	OpWriteFile       Op = "write_file"
	OpWriteFileAtomic Op = "write_file_atomic"
	OpMkdirAll        Op = "mkdir_all"
	OpStat            Op = "stat"
	OpRemove          Op = "remove"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps the underlying error so errors.Is/As continue to work.
type InjectedError struct {
	Op  Op
	Err error
}

// Error returns the underlying error's message.
func (e *InjectedError) Error() string {
	return string(e.Op) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faulty wraps an [FS] and fails selected operations on demand.
//
// Unlike random chaos testing, failures are armed explicitly, which keeps
// tests deterministic: arm a failure, trigger the code path, assert on the
// outcome, disarm. Faulty also counts calls per operation so tests can assert
// how many physical writes happened.
//
// Faulty is safe for concurrent use.
type Faulty struct {
	fs FS

	mu    sync.Mutex
	fail  map[Op]error
	once  map[Op]error
	calls map[Op]int
	paths map[Op][]string
	gates map[Op]*gate
}

type gate struct {
	entered chan string
	release chan struct{}
}

// NewFaulty wraps fsys. Panics if fsys is nil.
func NewFaulty(fsys FS) *Faulty {
	if fsys == nil {
		panic("fs is nil")
	}

	return &Faulty{
		fs:    fsys,
		fail:  map[Op]error{},
		once:  map[Op]error{},
		calls: map[Op]int{},
		paths: map[Op][]string{},
		gates: map[Op]*gate{},
	}
}

// Fail makes every subsequent call of op return err until [Faulty.Clear].
// A nil err injects EIO.
func (f *Faulty) Fail(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fail[op] = orEIO(err)
}

// FailOnce makes the next call of op return err. A nil err injects EIO.
func (f *Faulty) FailOnce(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.once[op] = orEIO(err)
}

// Clear disarms all failures for op.
func (f *Faulty) Clear(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.fail, op)
	delete(f.once, op)
}

// Block makes the next call of op wait until release is called. The
// call's path is sent on entered once it is waiting, so a test can act while
// the operation is in progress. release is safe to call more than once.
func (f *Faulty) Block(op Op) (entered <-chan string, release func()) {
	g := &gate{entered: make(chan string, 1), release: make(chan struct{})}

	f.mu.Lock()
	f.gates[op] = g
	f.mu.Unlock()

	var once sync.Once

	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

// Paths returns the paths op was invoked with, in call order.
func (f *Faulty) Paths(op Op) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.paths[op]...)
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.enter(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

func (f *Faulty) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := f.enter(OpWriteFile, path); err != nil {
		return err
	}

	return f.fs.WriteFile(path, data, perm)
}

func (f *Faulty) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := f.enter(OpWriteFileAtomic, path); err != nil {
		return err
	}

	return f.fs.WriteFileAtomic(path, data, perm)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.enter(OpMkdirAll, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.enter(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

// Exists shares the [OpStat] fault slot.
func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.enter(OpStat, path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	if err := f.enter(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

// enter records the call, waits at an armed gate and returns the armed
// failure, if any.
func (f *Faulty) enter(op Op, path string) error {
	f.mu.Lock()

	f.calls[op]++
	f.paths[op] = append(f.paths[op], path)

	g := f.gates[op]
	delete(f.gates, op)

	var err error

	if e, ok := f.once[op]; ok {
		delete(f.once, op)

		err = e
	} else if e, ok := f.fail[op]; ok {
		err = e
	}

	f.mu.Unlock()

	if g != nil {
		g.entered <- path
		<-g.release
	}

	if err != nil {
		return &InjectedError{Op: op, Err: &os.PathError{Op: string(op), Path: path, Err: err}}
	}

	return nil
}

func orEIO(err error) error {
	if err == nil {
		return syscall.EIO
	}

	return err
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)
