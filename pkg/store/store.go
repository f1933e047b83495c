package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/calvinalkan/jsonstate/pkg/fs"
	"github.com/calvinalkan/jsonstate/pkg/schema"
)

// Option configures [Open].
type Option func(*options)

type options struct {
	writer *Writer
	fs     fs.FS
	logger *slog.Logger
	locker *fs.Locker
}

// WithWriter shares w between stores. Without it each store gets its own
// writer with [DefaultWriterConfig].
func WithWriter(w *Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithFS sets the filesystem used for reads. Defaults to the writer's.
func WithFS(fsys fs.FS) Option {
	return func(o *options) { o.fs = fsys }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLock takes an exclusive advisory lock on "<path>.lock" for the life
// of the store. Open fails with [ErrLocked] if another process holds it.
func WithLock(l *fs.Locker) Option {
	return func(o *options) { o.locker = l }
}

// Store holds one versioned JSON document in memory and persists it through
// a debounced [Writer].
//
// Content is the single source of truth. Updates apply to memory
// immediately and reach disk on the writer's schedule; a failed write does
// not roll memory back.
//
// A Store is safe for concurrent use.
type Store[T any] struct {
	path   string
	chain  *schema.Chain[T]
	writer *Writer
	fs     fs.FS
	log    *slog.Logger
	lock   *fs.Lock

	// diskVersion is the version the file had at open, 0 if absent.
	diskVersion int

	mu      sync.RWMutex
	content T
	closed  bool

	digestMu sync.Mutex
	digest   [sha256.Size]byte
	onDisk   bool
}

// Open loads the document at path through chain.
//
// A missing file yields defaults validated against the latest version; the
// file is not created until the first update. An existing file is parsed
// (comments and trailing commas are tolerated) and upgraded to the latest
// version. Parse failures wrap [ErrCorruptFile]; schema failures wrap the
// sentinels of package schema. Open never writes.
func Open[T any](ctx context.Context, path string, chain *schema.Chain[T], defaults schema.Document, opts ...Option) (*Store[T], error) {
	if chain == nil {
		return nil, errors.New("chain is nil")
	}

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if o.writer == nil {
		cfg := DefaultWriterConfig()
		cfg.Logger = o.logger
		o.writer = NewWriter(o.fs, cfg)
	}

	if o.fs == nil {
		o.fs = o.writer.FS()
	}

	path = cleanPath(path)

	s := &Store[T]{
		path:   path,
		chain:  chain,
		writer: o.writer,
		fs:     o.fs,
		log:    o.logger.With("path", path),
	}

	if o.locker != nil {
		lock, err := o.locker.TryLock(path + ".lock")
		if err != nil {
			if errors.Is(err, fs.ErrWouldBlock) {
				return nil, &Error{Path: path, Err: ErrLocked}
			}

			return nil, &Error{Path: path, Err: fmt.Errorf("lock: %w", err)}
		}

		s.lock = lock
	}

	err = s.writer.register(path)
	if err != nil {
		s.releaseLock()

		return nil, &Error{Path: path, Err: err}
	}

	err = s.load(defaults)
	if err != nil {
		s.writer.unregister(path)
		s.releaseLock()

		return nil, err
	}

	return s, nil
}

func (s *Store[T]) load(defaults schema.Document) error {
	data, err := s.fs.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		content, err := s.chain.Validate(defaultsOrEmpty(defaults))
		if err != nil {
			return withPath(err, s.path)
		}

		s.content = content
		s.log.Debug("state initialised from defaults", "version", s.chain.Latest())

		return nil
	}

	if err != nil {
		return &Error{Path: s.path, Err: fmt.Errorf("read: %w", err)}
	}

	doc, err := schema.ParseDocument(data)
	if err != nil {
		return &Error{Path: s.path, Err: fmt.Errorf("%w: %w", ErrCorruptFile, err)}
	}

	from, _ := schema.DocumentVersion(doc)

	content, err := s.chain.Upgrade(doc)
	if err != nil {
		return withPath(err, s.path)
	}

	s.content = content
	s.diskVersion = from
	s.setDigest(data)

	if from != s.chain.Latest() {
		s.log.Info("state upgraded", "from", from, "to", s.chain.Latest())
	}

	return nil
}

func defaultsOrEmpty(doc schema.Document) schema.Document {
	if doc == nil {
		return schema.Document{}
	}

	return doc
}

// Path returns the store's absolute file path.
func (s *Store[T]) Path() string { return s.path }

// Version returns the schema version content conforms to.
func (s *Store[T]) Version() int { return s.chain.Latest() }

// DiskVersion returns the version of the file as it was read by [Open], or 0
// if the file did not exist. A value below [Store.Version] means the file
// on disk still holds the old schema until the next write.
func (s *Store[T]) DiskVersion() int { return s.diskVersion }

// Content returns the current value without copying it. Maps and slices in
// the value are shared with the store and with any pending write, so callers
// must treat them as read-only; use [Store.Mutate] to change them.
func (s *Store[T]) Content() T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.content
}

// Document returns the current value encoded as a versioned document.
func (s *Store[T]) Document() (schema.Document, error) {
	return s.chain.Encode(s.Content())
}

// Marshal returns the current value in its on-disk encoding.
func (s *Store[T]) Marshal() ([]byte, error) {
	return s.chain.MarshalIndent(s.Content())
}

// Update deep-merges patch into the current content, validates the result
// against the latest version, and schedules a write.
//
// In patch, nil deletes a key, nested objects merge, and arrays and scalars
// replace. If validation fails nothing changes and no write is scheduled.
func (s *Store[T]) Update(patch schema.Document) (T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return zero, &Error{Path: s.path, Err: ErrClosed}
	}

	current, err := s.chain.Encode(s.content)
	if err != nil {
		return zero, withPath(err, s.path)
	}

	next, err := s.chain.Validate(schema.Merge(current, patch))
	if err != nil {
		return zero, withPath(err, s.path)
	}

	s.commit(next)

	return next, nil
}

// UpdateJSON parses data as a JSON object patch and applies it like
// [Store.Update].
func (s *Store[T]) UpdateJSON(data []byte) (T, error) {
	var zero T

	patch, err := schema.ParseDocument(data)
	if err != nil {
		return zero, &Error{Path: s.path, Err: fmt.Errorf("%w: patch: %w", schema.ErrInvalid, err)}
	}

	return s.Update(patch)
}

// Mutate calls fn with a copy of the current content and commits the
// modified copy if it validates. fn runs with the store locked and must not
// call other methods on s.
func (s *Store[T]) Mutate(fn func(*T) error) (T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return zero, &Error{Path: s.path, Err: ErrClosed}
	}

	doc, err := s.chain.Encode(s.content)
	if err != nil {
		return zero, withPath(err, s.path)
	}

	working, err := s.chain.Validate(doc)
	if err != nil {
		return zero, withPath(err, s.path)
	}

	err = fn(&working)
	if err != nil {
		return zero, err
	}

	doc, err = s.chain.Encode(working)
	if err != nil {
		return zero, withPath(err, s.path)
	}

	next, err := s.chain.Validate(doc)
	if err != nil {
		return zero, withPath(err, s.path)
	}

	s.commit(next)

	return next, nil
}

// commit must be called with mu held.
func (s *Store[T]) commit(next T) {
	s.content = next
	s.writer.Schedule(s.path, snapshot[T]{store: s, value: next})
}

// Save writes the current content now, even if no update is pending.
func (s *Store[T]) Save() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()

		return &Error{Path: s.path, Err: ErrClosed}
	}

	s.writer.Schedule(s.path, snapshot[T]{store: s, value: s.content})
	s.mu.RUnlock()

	return s.writer.Flush(s.path)
}

// Flush writes any pending update now.
func (s *Store[T]) Flush() error {
	return s.writer.Flush(s.path)
}

// Pending reports whether an update is waiting to be written.
func (s *Store[T]) Pending() bool {
	return s.writer.Pending(s.path)
}

// Err returns the error of the most recent write, or nil.
func (s *Store[T]) Err() error {
	return s.writer.Err(s.path)
}

// CheckDisk reports whether the file still holds what this store last read
// or wrote. A file that never existed and still does not exist matches.
func (s *Store[T]) CheckDisk() (bool, error) {
	data, err := s.fs.ReadFile(s.path)

	s.digestMu.Lock()
	defer s.digestMu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return !s.onDisk, nil
	}

	if err != nil {
		return false, &Error{Path: s.path, Err: fmt.Errorf("read: %w", err)}
	}

	sum := sha256.Sum256(data)

	return s.onDisk && bytes.Equal(sum[:], s.digest[:]), nil
}

// Close flushes pending updates and releases the path. Close is
// idempotent; later updates fail with [ErrClosed].
func (s *Store[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	s.mu.Unlock()

	flushErr := s.writer.Flush(s.path)

	s.writer.unregister(s.path)

	return errors.Join(flushErr, s.releaseLock())
}

func (s *Store[T]) releaseLock() error {
	if s.lock == nil {
		return nil
	}

	err := s.lock.Close()
	if err != nil {
		return &Error{Path: s.path, Err: fmt.Errorf("unlock: %w", err)}
	}

	return nil
}

func (s *Store[T]) setDigest(data []byte) {
	s.digestMu.Lock()
	defer s.digestMu.Unlock()

	s.digest = sha256.Sum256(data)
	s.onDisk = true
}

type snapshot[T any] struct {
	store *Store[T]
	value T
}

func (s snapshot[T]) Encode() ([]byte, error) {
	return s.store.chain.MarshalIndent(s.value)
}

func (s snapshot[T]) Written(res WriteResult) {
	if res.Err == nil {
		s.store.setDigest(res.Data)
	}
}
