package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/jsonstate/pkg/fs"
)

// DefaultInterval is the debounce window between the first scheduled
// update for a path and its disk write.
const DefaultInterval = 250 * time.Millisecond

// WriteMode selects how the writer replaces file contents.
type WriteMode string

const (
	// WriteAtomic writes a temp file and renames it over the target.
	WriteAtomic WriteMode = "atomic"

	// WriteDirect truncates and rewrites the target in place.
	WriteDirect WriteMode = "direct"
)

// Snapshot is a value waiting to be written. Encode is called once, when
// the write happens, on the latest snapshot scheduled for the path.
//
// A Snapshot that also implements Written(WriteResult) is told the outcome
// of the write that carried it.
type Snapshot interface {
	Encode() ([]byte, error)
}

// SnapshotFunc adapts a function to [Snapshot].
type SnapshotFunc func() ([]byte, error)

// Encode calls f.
func (f SnapshotFunc) Encode() ([]byte, error) { return f() }

type writeObserver interface {
	Written(res WriteResult)
}

// WriteResult describes one completed write attempt.
type WriteResult struct {
	Path string

	// Data is the encoded content. Nil when encoding failed.
	Data []byte

	// Updates counts the scheduled snapshots the write covered. Values
	// above one mean updates were coalesced.
	Updates int

	Duration time.Duration
	Err      error
}

// WriterConfig configures a [Writer]. Zero fields take their defaults.
type WriterConfig struct {
	// Interval is the debounce window. Defaults to [DefaultInterval].
	Interval time.Duration

	// Mode defaults to [WriteAtomic].
	Mode WriteMode

	// Perm is the mode for new files. Defaults to 0o644.
	Perm os.FileMode

	// Clock defaults to the wall clock.
	Clock Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// AfterWrite hooks run after every write attempt, while the path's
	// write lock is held. Hooks must not call back into the writer for the
	// same path.
	AfterWrite []func(WriteResult)
}

// DefaultWriterConfig returns the default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Interval: DefaultInterval,
		Mode:     WriteAtomic,
		Perm:     0o644,
	}
}

type pendingWrite struct {
	snap    Snapshot
	updates int
	timer   Timer
}

type pathState struct {
	// writeMu serialises disk writes for one path.
	writeMu sync.Mutex
	owned   bool
	lastErr error
}

// Writer debounces and serialises disk writes per path.
//
// The first [Writer.Schedule] for an idle path starts a timer; later calls
// within the window only replace the pending snapshot, so a burst of updates
// produces one write carrying the newest value. The timer is never reset:
// continuous updates still reach disk once per interval.
//
// A Writer is safe for concurrent use and may be shared by many stores.
type Writer struct {
	fs  fs.FS
	cfg WriterConfig
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	paths   map[string]*pathState
}

// NewWriter returns a writer that writes through fsys.
func NewWriter(fsys fs.FS, cfg WriterConfig) *Writer {
	def := DefaultWriterConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}

	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}

	if cfg.Perm == 0 {
		cfg.Perm = def.Perm
	}

	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if fsys == nil {
		fsys = fs.NewReal()
	}

	return &Writer{
		fs:      fsys,
		cfg:     cfg,
		log:     logger,
		pending: make(map[string]*pendingWrite),
		paths:   make(map[string]*pathState),
	}
}

// FS returns the filesystem the writer writes through.
func (w *Writer) FS() fs.FS { return w.fs }

// Interval returns the debounce window.
func (w *Writer) Interval() time.Duration { return w.cfg.Interval }

// Schedule queues snap for path. If a write is already pending, snap
// replaces its snapshot without moving the deadline.
func (w *Writer) Schedule(path string, snap Snapshot) {
	path = cleanPath(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.snap = snap
		p.updates++

		return
	}

	p := &pendingWrite{snap: snap, updates: 1}
	w.pending[path] = p
	p.timer = w.cfg.Clock.AfterFunc(w.cfg.Interval, func() { w.fire(path, p) })
}

// Pending reports whether path has a scheduled write.
func (w *Writer) Pending(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.pending[cleanPath(path)]

	return ok
}

// Flush writes path's pending snapshot now, cancelling its timer. Returns nil
// when nothing is pending. If a timer-driven write for the path is in
// progress, Flush waits for it first.
func (w *Writer) Flush(path string) error {
	path = cleanPath(path)
	st := w.state(path)

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	w.mu.Lock()

	p, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()

		return nil
	}

	delete(w.pending, path)
	p.timer.Stop()
	w.mu.Unlock()

	return w.write(path, p)
}

// FlushAll flushes every pending path concurrently and joins the errors.
// Paths not yet started when ctx is cancelled stay pending.
func (w *Writer) FlushAll(ctx context.Context) error {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))

	for path := range w.pending {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	slices.Sort(paths)

	errs := make([]error, len(paths))

	var g errgroup.Group

	g.SetLimit(8)

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err

				return nil
			}

			errs[i] = w.Flush(path)

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// Err returns the error of the most recent write to path, or nil if it
// succeeded or none has happened.
func (w *Writer) Err(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.paths[cleanPath(path)]
	if !ok {
		return nil
	}

	return st.lastErr
}

// Paths returns the paths currently owned by open stores, sorted.
func (w *Writer) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.paths))

	for path, st := range w.paths {
		if st.owned {
			out = append(out, path)
		}
	}

	slices.Sort(out)

	return out
}

func (w *Writer) register(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.paths[path]
	if !ok {
		st = &pathState{}
		w.paths[path] = st
	}

	if st.owned {
		return ErrAlreadyOpen
	}

	st.owned = true

	return nil
}

func (w *Writer) unregister(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if st, ok := w.paths[path]; ok {
		st.owned = false
	}
}

func (w *Writer) state(path string) *pathState {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.paths[path]
	if !ok {
		st = &pathState{}
		w.paths[path] = st
	}

	return st
}

func (w *Writer) fire(path string, p *pendingWrite) {
	st := w.state(path)

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	w.mu.Lock()

	if w.pending[path] != p {
		// Flushed while the timer was firing.
		w.mu.Unlock()

		return
	}

	delete(w.pending, path)
	w.mu.Unlock()

	_ = w.write(path, p)
}

// write must be called with the path's writeMu held and p removed from
// pending.
func (w *Writer) write(path string, p *pendingWrite) error {
	start := w.cfg.Clock.Now()

	data, err := p.snap.Encode()
	if err != nil {
		err = &Error{Path: path, Err: fmt.Errorf("%w: encode: %w", ErrWriteFailed, err)}
		data = nil
	} else if werr := w.writeBytes(path, data); werr != nil {
		err = &Error{Path: path, Err: fmt.Errorf("%w: %w", ErrWriteFailed, werr)}
	}

	res := WriteResult{
		Path:     path,
		Data:     data,
		Updates:  p.updates,
		Duration: w.cfg.Clock.Now().Sub(start),
		Err:      err,
	}

	w.mu.Lock()
	if st, ok := w.paths[path]; ok {
		st.lastErr = err
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Warn("state write failed", "path", path, "updates", p.updates, "error", err)
	} else {
		w.log.Debug("state written", "path", path, "bytes", len(data), "updates", p.updates, "duration", res.Duration)
	}

	if obs, ok := p.snap.(writeObserver); ok {
		obs.Written(res)
	}

	for _, hook := range w.cfg.AfterWrite {
		hook(res)
	}

	return err
}

func (w *Writer) writeBytes(path string, data []byte) error {
	dir := filepath.Dir(path)

	err := w.fs.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if w.cfg.Mode == WriteDirect {
		return w.fs.WriteFile(path, data, w.cfg.Perm)
	}

	return w.fs.WriteFileAtomic(path, data, w.cfg.Perm)
}

func cleanPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}

	return abs
}
