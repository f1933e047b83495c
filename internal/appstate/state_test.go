package appstate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/jsonstate/internal/appstate"
	"github.com/calvinalkan/jsonstate/internal/config"
	"github.com/calvinalkan/jsonstate/pkg/schema"
	"github.com/calvinalkan/jsonstate/pkg/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DataDirAbs = cfg.DataDir

	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func openState(t *testing.T, cfg config.Config) *appstate.State {
	t.Helper()

	st, err := appstate.Open(context.Background(), cfg, appstate.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func Test_Open_Empty_Dir_Uses_Defaults(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	st := openState(t, cfg)

	want := appstate.Config{
		Editor:     appstate.EditorConfig{FontSize: 14, LineNumbers: true},
		Theme:      "system",
		Spellcheck: true,
		Autosave:   true,
	}
	if diff := cmp.Diff(want, st.Config.Content()); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, appstate.UI{
		Sidebar: appstate.Sidebar{Width: "250px"},
		Editor:  appstate.EditorLayout{Split: "none"},
	}, st.UI.Content())

	require.Equal(t, "Ctrl+N", st.Shortcuts.Content().Bindings["note.new"])
	require.Empty(t, st.Tags.Content().Tags)
	require.NotNil(t, st.Tags.Content().Tags)
	require.Empty(t, st.Notebooks.Content().Notebooks)

	entries, err := os.ReadDir(cfg.DataDirAbs)
	require.NoError(t, err)
	require.Empty(t, entries, "opening must not create files")

	names := make([]string, 0, 5)
	for _, f := range st.Files() {
		names = append(names, f.Name())
	}

	require.Equal(t, appstate.Names(), names)
}

func Test_Open_Upgrades_Config_V1(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.ConfigFile), `{"fontSize": 18, "theme": "Dark", "spellcheck": false}`)

	st := openState(t, cfg)

	want := appstate.Config{
		Editor:     appstate.EditorConfig{FontSize: 18, LineNumbers: true},
		Theme:      "dark",
		Spellcheck: false,
		Autosave:   true,
	}
	require.Equal(t, want, st.Config.Content())
	require.Equal(t, 1, st.Config.DiskVersion())
}

func Test_Open_Failure_Names_File_And_Closes_Others(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	lock := true
	cfg.Lock = &lock

	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.TagsFile), `{"version": 3}`)

	_, err := appstate.Open(context.Background(), cfg, appstate.Options{})
	require.ErrorIs(t, err, schema.ErrVersionTooNew)
	require.ErrorContains(t, err, "open tags.json")

	// The stores opened before tags.json must have released their locks.
	require.NoError(t, os.Remove(appstate.Path(cfg.DataDirAbs, appstate.TagsFile)))

	st := openState(t, cfg)
	require.Len(t, st.Files(), 5)
}

func Test_Migrate_Rewrites_Old_Files_Only(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.UIFile), `{"version": 1, "sidebar": {"width": "300px", "scroll": 2}}`)
	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.TagsFile), `{"version": 1, "tags": []}`)

	st := openState(t, cfg)

	done, err := st.Migrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []appstate.Migration{{Name: appstate.UIFile, From: 1, To: 2}}, done)

	data, err := os.ReadFile(appstate.Path(cfg.DataDirAbs, appstate.UIFile))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"version": 2,
		"sidebar": {"width": "300px", "scroll": 2, "hidden": false},
		"editor": {"split": "none"}
	}`, string(data))

	require.NoFileExists(t, appstate.Path(cfg.DataDirAbs, appstate.ConfigFile))
}

func Test_Tags_Add_Remove_And_Uniqueness(t *testing.T) {
	t.Parallel()

	st := openState(t, testConfig(t))

	tag, err := st.AddTag("work", "#ff0000")
	require.NoError(t, err)
	require.Len(t, tag.ID, 36)

	_, err = st.AddTag(" Work ", "")
	require.ErrorIs(t, err, schema.ErrInvalid, "names are unique ignoring case")

	_, err = st.AddTag("home", "red")
	require.ErrorIs(t, err, schema.ErrInvalid, "color must be hex")

	require.Len(t, st.Tags.Content().Tags, 1)

	require.NoError(t, st.RemoveTag(tag.ID))
	require.Empty(t, st.Tags.Content().Tags)
	require.ErrorIs(t, st.RemoveTag(tag.ID), appstate.ErrNotFound)
}

func Test_Notebooks_Parent_Must_Exist(t *testing.T) {
	t.Parallel()

	st := openState(t, testConfig(t))

	root, err := st.AddNotebook("root", "")
	require.NoError(t, err)

	child, err := st.AddNotebook("child", root.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, child.Parent)

	_, err = st.AddNotebook("orphan", "5f0c6f3e-9a34-4a43-8d4e-1f3b2a9c7e10")
	require.ErrorIs(t, err, schema.ErrInvalid)

	err = st.RemoveNotebook(root.ID)
	require.ErrorIs(t, err, schema.ErrInvalid, "removing a parent leaves the child dangling")

	require.NoError(t, st.RemoveNotebook(child.ID))
	require.NoError(t, st.RemoveNotebook(root.ID))
}

func Test_Notebooks_Rejects_Cycles(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.NotebooksFile), `{"version": 1, "notebooks": [
		{"id": "11111111-1111-4111-8111-111111111111", "name": "a", "parent": "22222222-2222-4222-8222-222222222222"},
		{"id": "22222222-2222-4222-8222-222222222222", "name": "b", "parent": "11111111-1111-4111-8111-111111111111"}
	]}`)

	_, err := appstate.Open(context.Background(), cfg, appstate.Options{})
	require.ErrorIs(t, err, schema.ErrInvalid)
	require.ErrorContains(t, err, "cycle")
}

func Test_Shortcuts_Normalised_And_Conflicts_Rejected(t *testing.T) {
	t.Parallel()

	st := openState(t, testConfig(t))

	got, err := st.Shortcuts.Update(schema.Document{"bindings": schema.Document{"note.close": "ctrl + w"}})
	require.NoError(t, err)
	require.Equal(t, "Ctrl+W", got.Bindings["note.close"])

	got, err = st.Shortcuts.Update(schema.Document{"bindings": schema.Document{
		"note.accent": "alt+é",
		"note.umlaut": "CTRL+ÖL",
	}})
	require.NoError(t, err)
	require.Equal(t, "Alt+É", got.Bindings["note.accent"])
	require.Equal(t, "Ctrl+Öl", got.Bindings["note.umlaut"])

	upgraded, err := appstate.ShortcutsChain.Upgrade(schema.Document{"bindings": schema.Document{"x": "ctrl+ö"}})
	require.NoError(t, err)
	require.Equal(t, "Ctrl+Ö", upgraded.Bindings["x"])

	_, err = st.Shortcuts.Update(schema.Document{"bindings": schema.Document{"zz.other": "CTRL+n"}})
	require.ErrorIs(t, err, schema.ErrInvalid)

	var scErr *schema.Error
	require.ErrorAs(t, err, &scErr)
	require.Equal(t, "bindings.zz.other", scErr.Path)
}

func Test_File_Lookup_And_Health(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Debounce = config.Duration(time.Minute)

	st := openState(t, cfg)

	_, err := st.File("nope.json")
	require.ErrorIs(t, err, appstate.ErrUnknownFile)

	f, err := st.File(appstate.UIFile)
	require.NoError(t, err)
	require.NoError(t, f.UpdateJSON([]byte(`{"sidebar": {"hidden": true}}`)))

	health := st.Health()
	require.Len(t, health, 5)
	require.True(t, health[1].Pending)
	require.True(t, health[1].OK())

	require.NoError(t, st.FlushAll(context.Background()))

	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.UIFile), `{"version": 2}`)

	for _, h := range st.Health() {
		if h.Name == appstate.UIFile {
			require.False(t, h.InSync)
			require.False(t, h.OK())
		} else {
			require.True(t, h.OK(), h.Name)
		}
	}
}

func Test_Open_With_Lock_Blocks_Second_State(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	lock := true
	cfg.Lock = &lock

	openState(t, cfg)

	_, err := appstate.Open(context.Background(), cfg, appstate.Options{})
	require.ErrorIs(t, err, store.ErrLocked)
}

func Test_Inspect_Reports_Every_File(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.ConfigFile), `{"version": 9}`)
	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.UIFile), `{"version": 1, "sidebar": {"width": "1px"}}`)
	writeFile(t, appstate.Path(cfg.DataDirAbs, appstate.TagsFile), `{broken`)

	reports, err := appstate.Inspect(context.Background(), cfg, appstate.Options{})
	require.NoError(t, err)
	require.Len(t, reports, 5)

	byName := make(map[string]appstate.Report, len(reports))
	for _, r := range reports {
		byName[r.Name] = r
	}

	require.ErrorIs(t, byName[appstate.ConfigFile].Err, schema.ErrVersionTooNew)
	require.Equal(t, 9, byName[appstate.ConfigFile].DiskVersion)

	require.NoError(t, byName[appstate.UIFile].Err)
	require.Equal(t, 1, byName[appstate.UIFile].DiskVersion)
	require.Equal(t, 2, byName[appstate.UIFile].Version)

	require.ErrorIs(t, byName[appstate.TagsFile].Err, store.ErrCorruptFile)

	require.False(t, byName[appstate.NotebooksFile].Exists)
	require.NoError(t, byName[appstate.NotebooksFile].Err)
}

func Test_Shortcuts_Mutate_Edits_A_Copy_Of_Bindings(t *testing.T) {
	t.Parallel()

	st := openState(t, testConfig(t))
	before := st.Shortcuts.Content().Bindings

	boom := errors.New("boom")

	_, err := st.Shortcuts.Mutate(func(s *appstate.Shortcuts) error {
		s.Bindings["note.close"] = "Ctrl+W"

		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotContains(t, st.Shortcuts.Content().Bindings, "note.close")

	got, err := st.Shortcuts.Mutate(func(s *appstate.Shortcuts) error {
		s.Bindings["note.close"] = "ctrl+w"

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Ctrl+W", got.Bindings["note.close"])
	require.NotContains(t, before, "note.close", "values returned earlier are not changed by Mutate")
}
