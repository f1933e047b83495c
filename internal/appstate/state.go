// Package appstate wires the application's persisted documents
// (config.json, ui.json, shortcuts.json, tags.json, notebooks.json) to
// stores sharing one debounced writer.
package appstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/calvinalkan/jsonstate/internal/config"
	"github.com/calvinalkan/jsonstate/pkg/fs"
	"github.com/calvinalkan/jsonstate/pkg/schema"
	"github.com/calvinalkan/jsonstate/pkg/store"
)

// File names inside the data directory.
const (
	ConfigFile    = "config.json"
	UIFile        = "ui.json"
	ShortcutsFile = "shortcuts.json"
	TagsFile      = "tags.json"
	NotebooksFile = "notebooks.json"
)

// ErrUnknownFile is returned for names other than the managed files.
var ErrUnknownFile = errors.New("unknown state file")

// Names returns the managed file names in open order.
func Names() []string {
	return []string{ConfigFile, UIFile, ShortcutsFile, TagsFile, NotebooksFile}
}

// Path resolves a managed file inside dataDir.
func Path(dataDir, name string) string {
	return filepath.Join(dataDir, name)
}

// Defaults for files that do not exist yet.
var (
	DefaultUI = schema.Document{"sidebar": schema.Document{"width": "250px"}}

	DefaultShortcuts = schema.Document{"bindings": schema.Document{
		"note.new":       "Ctrl+N",
		"search.open":    "Ctrl+K",
		"sidebar.toggle": "Ctrl+B",
	}}
)

// File is the untyped view of one managed store, used by tooling that
// handles every file the same way.
type File interface {
	Name() string
	Path() string
	Version() int
	DiskVersion() int
	Document() (schema.Document, error)
	Marshal() ([]byte, error)
	UpdateJSON(patch []byte) error
	Save() error
	Flush() error
	Pending() bool
	Err() error
	CheckDisk() (bool, error)
	Close() error
}

type file[T any] struct {
	name string
	*store.Store[T]
}

func (f file[T]) Name() string { return f.name }

func (f file[T]) UpdateJSON(patch []byte) error {
	_, err := f.Store.UpdateJSON(patch)

	return err
}

// Options configures [Open].
type Options struct {
	// FS defaults to the real filesystem.
	FS fs.FS

	// Clock overrides the writer's clock.
	Clock store.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// AfterWrite hooks are added to the shared writer.
	AfterWrite []func(store.WriteResult)
}

// State holds one open store per managed file.
type State struct {
	dir    string
	writer *store.Writer
	log    *slog.Logger

	Config    *store.Store[Config]
	UI        *store.Store[UI]
	Shortcuts *store.Store[Shortcuts]
	Tags      *store.Store[Tags]
	Notebooks *store.Store[Notebooks]

	files []File
}

// Open opens every managed file in cfg's data directory. Older files are
// upgraded in memory; nothing is written until an update or [State.Migrate].
// If any file fails to open, the ones already opened are closed and the
// error names the failing file.
func Open(ctx context.Context, cfg config.Config, opts Options) (*State, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	wcfg := cfg.WriterConfig()
	wcfg.Clock = opts.Clock
	wcfg.Logger = logger
	wcfg.AfterWrite = opts.AfterWrite

	st := &State{
		dir:    cfg.DataDirAbs,
		writer: store.NewWriter(fsys, wcfg),
		log:    logger,
	}

	storeOpts := []store.Option{store.WithWriter(st.writer), store.WithLogger(logger)}
	if cfg.LockEnabled() {
		storeOpts = append(storeOpts, store.WithLock(fs.NewLocker()))
	}

	var err error

	st.Config, err = openFile(ctx, st, ConfigFile, ConfigChain, nil, storeOpts)
	if err == nil {
		st.UI, err = openFile(ctx, st, UIFile, UIChain, DefaultUI, storeOpts)
	}

	if err == nil {
		st.Shortcuts, err = openFile(ctx, st, ShortcutsFile, ShortcutsChain, DefaultShortcuts, storeOpts)
	}

	if err == nil {
		st.Tags, err = openFile(ctx, st, TagsFile, TagsChain, nil, storeOpts)
	}

	if err == nil {
		st.Notebooks, err = openFile(ctx, st, NotebooksFile, NotebooksChain, nil, storeOpts)
	}

	if err != nil {
		return nil, errors.Join(err, st.Close())
	}

	logger.Debug("state opened", "dir", st.dir, "files", len(st.files))

	return st, nil
}

func openFile[T any](ctx context.Context, st *State, name string, chain *schema.Chain[T], defaults schema.Document, opts []store.Option) (*store.Store[T], error) {
	s, err := store.Open(ctx, Path(st.dir, name), chain, defaults, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	st.files = append(st.files, file[T]{name: name, Store: s})

	return s, nil
}

// Dir returns the data directory.
func (st *State) Dir() string { return st.dir }

// Writer returns the writer shared by all stores.
func (st *State) Writer() *store.Writer { return st.writer }

// Files returns every managed file in [Names] order.
func (st *State) Files() []File {
	return slices.Clone(st.files)
}

// File returns the managed file called name.
func (st *State) File(name string) (File, error) {
	for _, f := range st.files {
		if f.Name() == name {
			return f, nil
		}
	}

	return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownFile, name, Names())
}

// FlushAll writes every pending update now.
func (st *State) FlushAll(ctx context.Context) error {
	return st.writer.FlushAll(ctx)
}

// Close flushes and closes every store, joining errors.
func (st *State) Close() error {
	var errs []error

	for _, f := range st.files {
		err := f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// Health describes one file for status reporting.
type Health struct {
	Name        string
	Path        string
	Version     int
	DiskVersion int

	// Pending is true while an update waits for the writer.
	Pending bool

	// InSync is false when the file changed on disk behind the store.
	InSync bool

	// WriteErr is the most recent write failure.
	WriteErr error

	// CheckErr is set when the file could not be read for comparison.
	CheckErr error
}

// OK reports whether the file has no known problem.
func (h Health) OK() bool {
	return h.WriteErr == nil && h.CheckErr == nil && (h.InSync || h.Pending)
}

// Health reports the state of every file.
func (st *State) Health() []Health {
	out := make([]Health, 0, len(st.files))

	for _, f := range st.files {
		inSync, checkErr := f.CheckDisk()

		out = append(out, Health{
			Name:        f.Name(),
			Path:        f.Path(),
			Version:     f.Version(),
			DiskVersion: f.DiskVersion(),
			Pending:     f.Pending(),
			InSync:      inSync,
			WriteErr:    f.Err(),
			CheckErr:    checkErr,
		})
	}

	return out
}

// Migration records one file rewritten by [State.Migrate].
type Migration struct {
	Name string
	From int
	To   int
}

// Migrate writes every file whose on-disk version is older than its schema,
// so the upgrade no longer runs on every start. Missing files are left
// alone.
func (st *State) Migrate(ctx context.Context) ([]Migration, error) {
	var (
		done []Migration
		errs []error
	)

	for _, f := range st.files {
		err := ctx.Err()
		if err != nil {
			return done, err
		}

		from := f.DiskVersion()
		if from == 0 || from >= f.Version() {
			continue
		}

		err = f.Save()
		if err != nil {
			errs = append(errs, fmt.Errorf("migrate %s: %w", f.Name(), err))

			continue
		}

		st.log.Info("file migrated", "file", f.Name(), "from", from, "to", f.Version())
		done = append(done, Migration{Name: f.Name(), From: from, To: f.Version()})
	}

	return done, errors.Join(errs...)
}

// AddTag creates a tag with a fresh ID.
func (st *State) AddTag(name, color string) (Tag, error) {
	tag := Tag{ID: uuid.NewString(), Name: name, Color: color}

	_, err := st.Tags.Mutate(func(t *Tags) error {
		t.Tags = append(t.Tags, tag)

		return nil
	})
	if err != nil {
		return Tag{}, err
	}

	return tag, nil
}

// ErrNotFound is returned when an ID does not exist.
var ErrNotFound = errors.New("not found")

// RemoveTag deletes the tag with id.
func (st *State) RemoveTag(id string) error {
	_, err := st.Tags.Mutate(func(t *Tags) error {
		i := slices.IndexFunc(t.Tags, func(tag Tag) bool { return tag.ID == id })
		if i < 0 {
			return fmt.Errorf("tag %s: %w", id, ErrNotFound)
		}

		t.Tags = slices.Delete(t.Tags, i, i+1)

		return nil
	})

	return err
}

// AddNotebook creates a notebook with a fresh ID under parent, or at the top
// level when parent is empty.
func (st *State) AddNotebook(name, parent string) (Notebook, error) {
	nb := Notebook{ID: uuid.NewString(), Name: name, Parent: parent}

	_, err := st.Notebooks.Mutate(func(n *Notebooks) error {
		n.Notebooks = append(n.Notebooks, nb)

		return nil
	})
	if err != nil {
		return Notebook{}, err
	}

	return nb, nil
}

// RemoveNotebook deletes the notebook with id. Notebooks that still have
// children cannot be removed.
func (st *State) RemoveNotebook(id string) error {
	_, err := st.Notebooks.Mutate(func(n *Notebooks) error {
		i := slices.IndexFunc(n.Notebooks, func(nb Notebook) bool { return nb.ID == id })
		if i < 0 {
			return fmt.Errorf("notebook %s: %w", id, ErrNotFound)
		}

		n.Notebooks = slices.Delete(n.Notebooks, i, i+1)

		return nil
	})

	return err
}

// Report is the outcome of inspecting one file with [Inspect].
type Report struct {
	Name        string
	Path        string
	Exists      bool
	DiskVersion int
	Version     int

	// Err is the open failure: corrupt JSON, a version that is too new or
	// unknown, or invalid content.
	Err error
}

// Inspect opens each managed file on its own and closes it again, so one
// broken file does not hide problems in the others. Nothing is written.
func Inspect(ctx context.Context, cfg config.Config, opts Options) ([]Report, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	writer := store.NewWriter(fsys, store.WriterConfig{Logger: opts.Logger})
	storeOpts := []store.Option{store.WithWriter(writer)}

	reports := make([]Report, 0, len(Names()))

	for _, name := range Names() {
		err := ctx.Err()
		if err != nil {
			return reports, err
		}

		path := Path(cfg.DataDirAbs, name)

		exists, err := fsys.Exists(path)
		if err != nil {
			return reports, fmt.Errorf("stat %s: %w", name, err)
		}

		r := Report{Name: name, Path: path, Exists: exists}

		switch name {
		case ConfigFile:
			r.DiskVersion, r.Version, r.Err = inspectFile(ctx, fsys, path, ConfigChain, nil, storeOpts)
		case UIFile:
			r.DiskVersion, r.Version, r.Err = inspectFile(ctx, fsys, path, UIChain, DefaultUI, storeOpts)
		case ShortcutsFile:
			r.DiskVersion, r.Version, r.Err = inspectFile(ctx, fsys, path, ShortcutsChain, DefaultShortcuts, storeOpts)
		case TagsFile:
			r.DiskVersion, r.Version, r.Err = inspectFile(ctx, fsys, path, TagsChain, nil, storeOpts)
		case NotebooksFile:
			r.DiskVersion, r.Version, r.Err = inspectFile(ctx, fsys, path, NotebooksChain, nil, storeOpts)
		}

		reports = append(reports, r)
	}

	return reports, nil
}

func inspectFile[T any](ctx context.Context, fsys fs.FS, path string, chain *schema.Chain[T], defaults schema.Document, opts []store.Option) (int, int, error) {
	s, err := store.Open(ctx, path, chain, defaults, opts...)
	if err != nil {
		if raw, readErr := fsys.ReadFile(path); readErr == nil {
			if doc, parseErr := schema.ParseDocument(raw); parseErr == nil {
				v, _ := schema.DocumentVersion(doc)

				return v, chain.Latest(), err
			}
		}

		return 0, chain.Latest(), err
	}

	return s.DiskVersion(), s.Version(), s.Close()
}
