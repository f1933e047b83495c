// Package watch reports edits made to managed files by other programs.
//
// The watcher listens on the data directory rather than on the files, since
// atomic writes replace a file's inode on every save. Events are batched for
// a short quiet window; each touched file is then compared with what its
// store last read or wrote, so the engine's own writes are not reported.
package watch

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

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet window before touched files are checked.
const DefaultDebounce = 100 * time.Millisecond

// File is a managed file that can tell whether disk still matches memory.
type File interface {
	Name() string
	Path() string
	CheckDisk() (bool, error)
}

// Change describes one external edit.
type Change struct {
	Name string
	Path string

	// Removed is true when the file no longer exists.
	Removed bool

	// Err is set when the file could not be read for comparison.
	Err  error
	Time time.Time
}

// Handler receives changes on the watcher's goroutine.
type Handler func(Change)

// Options configures [New].
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches one directory for edits of a fixed set of files.
type Watcher struct {
	dir      string
	files    map[string]File // by base name
	handler  Handler
	debounce time.Duration
	log      *slog.Logger

	fsw       *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a watcher for files, which must all live in dir. The
// directory is created if needed.
func New(dir string, files []File, handler Handler, opts Options) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	byName := make(map[string]File, len(files))

	for _, f := range files {
		if filepath.Dir(f.Path()) != filepath.Clean(dir) {
			return nil, fmt.Errorf("%s is not in %s", f.Path(), dir)
		}

		byName[filepath.Base(f.Path())] = f
	}

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}

	err = fsw.Add(dir)
	if err != nil {
		_ = fsw.Close()

		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:      filepath.Clean(dir),
		files:    byName,
		handler:  handler,
		debounce: opts.Debounce,
		log:      opts.Logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Run processes events until ctx is cancelled or [Watcher.Close] is called.
// Files touched in the last window are checked before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	touched := make(map[string]bool)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	check := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}

		names := make([]string, 0, len(touched))
		for name := range touched {
			names = append(names, name)
		}

		clear(touched)
		slices.Sort(names)

		for _, name := range names {
			w.check(w.files[name])
		}
	}

	for {
		select {
		case <-ctx.Done():
			check()

			return ctx.Err()

		case <-w.done:
			check()

			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				check()

				return nil
			}

			name := filepath.Base(event.Name)
			if _, managed := w.files[name]; !managed || filepath.Dir(event.Name) != w.dir {
				continue
			}

			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			touched[name] = true

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}

		case <-timerC:
			timer, timerC = nil, nil
			check()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.log.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) check(f File) {
	inSync, err := f.CheckDisk()
	if err == nil && inSync {
		return
	}

	change := Change{Name: f.Name(), Path: f.Path(), Err: err, Time: time.Now()}

	if err == nil {
		_, statErr := os.Stat(f.Path())
		change.Removed = errors.Is(statErr, os.ErrNotExist)
	}

	w.log.Info("external change", "file", change.Name, "removed", change.Removed, "error", err)
	w.handler(change)
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error

	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})

	return err
}
