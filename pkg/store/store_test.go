package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/jsonstate/pkg/fs"
	"github.com/calvinalkan/jsonstate/pkg/schema"
	"github.com/calvinalkan/jsonstate/pkg/store"
)

type sidebarV1 struct {
	Width  string `json:"width,omitempty"`
	Scroll int    `json:"scroll" validate:"gte=0"`
}

type uiV1 struct {
	Sidebar sidebarV1 `json:"sidebar"`
}

type sidebarV2 struct {
	Width  string `json:"width" validate:"required"`
	Scroll int    `json:"scroll" validate:"gte=0"`
	Hidden bool   `json:"hidden"`
}

type uiV2 struct {
	Sidebar sidebarV2 `json:"sidebar"`
}

var uiV1Rules = schema.Rules[uiV1]{
	Defaults: schema.Document{"sidebar": schema.Document{"scroll": 0}},
}

var uiChainV1 = schema.MustChain[uiV1](schema.Initial(uiV1Rules))

var uiChain = schema.MustChain[uiV2](
	schema.Initial(uiV1Rules),
	schema.Next(2, func(prev uiV1) (schema.Document, error) {
		return schema.Document{
			"sidebar": schema.Document{
				"width":  prev.Sidebar.Width,
				"scroll": prev.Sidebar.Scroll,
				"hidden": false,
			},
		}, nil
	}, schema.Rules[uiV2]{}),
)

var uiDefaults = schema.Document{"sidebar": schema.Document{"width": "300px"}}

type harness struct {
	dir    string
	fs     *fs.Faulty
	clock  *manualClock
	writer *store.Writer

	mu      sync.Mutex
	results []store.WriteResult
}

func newHarness(t *testing.T, mode store.WriteMode) *harness {
	t.Helper()

	h := &harness{
		dir:   t.TempDir(),
		fs:    fs.NewFaulty(fs.NewReal()),
		clock: newManualClock(),
	}

	h.writer = store.NewWriter(h.fs, store.WriterConfig{
		Clock: h.clock,
		Mode:  mode,
		AfterWrite: []func(store.WriteResult){func(res store.WriteResult) {
			h.mu.Lock()
			defer h.mu.Unlock()

			h.results = append(h.results, res)
		}},
	})

	return h
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *harness) writeFile(t *testing.T, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(h.path(name), []byte(content), 0o644))
}

func (h *harness) readFile(t *testing.T, name string) string {
	t.Helper()

	data, err := os.ReadFile(h.path(name))
	require.NoError(t, err)

	return string(data)
}

func (h *harness) writes() []store.WriteResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]store.WriteResult(nil), h.results...)
}

func openUI(t *testing.T, h *harness, opts ...store.Option) *store.Store[uiV2] {
	t.Helper()

	opts = append([]store.Option{store.WithWriter(h.writer)}, opts...)

	s, err := store.Open(context.Background(), h.path("ui.json"), uiChain, uiDefaults, opts...)
	require.NoError(t, err)

	return s
}

func Test_Open_Validates_Defaults_When_File_Missing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)

	s, err := store.Open(context.Background(), h.path("ui.json"), uiChainV1, uiDefaults, store.WithWriter(h.writer))
	require.NoError(t, err)

	want := uiV1{Sidebar: sidebarV1{Width: "300px", Scroll: 0}}
	if diff := cmp.Diff(want, s.Content()); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, 1, s.Version())
	require.Zero(t, s.DiskVersion())
	require.NoFileExists(t, h.path("ui.json"), "open must not create the file")
	require.Zero(t, h.fs.Calls(fs.OpWriteFileAtomic))
}

func Test_Open_Upgrades_When_File_Is_Old(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	h.writeFile(t, "ui.json", `{"version": 1, "sidebar": {"width": "250px"}}`)

	s := openUI(t, h)

	want := uiV2{Sidebar: sidebarV2{Width: "250px", Scroll: 0, Hidden: false}}
	if diff := cmp.Diff(want, s.Content()); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, 2, s.Version())
	require.Equal(t, 1, s.DiskVersion())
	require.Zero(t, h.fs.Calls(fs.OpWriteFileAtomic), "upgrade on load must not write")
}

func Test_Update_Visible_Immediately_And_Written_After_Interval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	h.writeFile(t, "ui.json", `{"version": 1, "sidebar": {"width": "250px"}}`)

	s := openUI(t, h)

	got, err := s.Update(schema.Document{"sidebar": schema.Document{"hidden": true}})
	require.NoError(t, err)

	want := uiV2{Sidebar: sidebarV2{Width: "250px", Scroll: 0, Hidden: true}}
	require.Equal(t, want, got)
	require.Equal(t, want, s.Content())

	require.True(t, s.Pending())
	require.JSONEq(t, `{"version": 1, "sidebar": {"width": "250px"}}`, h.readFile(t, "ui.json"))

	h.clock.Advance(store.DefaultInterval - time.Millisecond)
	require.Zero(t, h.fs.Calls(fs.OpWriteFileAtomic))

	h.clock.Advance(time.Millisecond)
	require.Equal(t, 1, h.fs.Calls(fs.OpWriteFileAtomic))
	require.False(t, s.Pending())

	wantFile := "{\n" +
		"  \"version\": 2,\n" +
		"  \"sidebar\": {\n" +
		"    \"width\": \"250px\",\n" +
		"    \"scroll\": 0,\n" +
		"    \"hidden\": true\n" +
		"  }\n" +
		"}\n"
	require.Equal(t, wantFile, h.readFile(t, "ui.json"))
	require.NoError(t, s.Err())
}

func Test_Open_Fails_When_Version_Too_New(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	h.writeFile(t, "ui.json", `{"version": 7}`)

	_, err := store.Open(context.Background(), h.path("ui.json"), uiChain, uiDefaults, store.WithWriter(h.writer))
	require.ErrorIs(t, err, schema.ErrVersionTooNew)

	var stErr *store.Error
	require.ErrorAs(t, err, &stErr)
	require.Equal(t, h.path("ui.json"), stErr.Path)

	var scErr *schema.Error
	require.ErrorAs(t, err, &scErr)
	require.Equal(t, 7, scErr.Version)

	require.Empty(t, h.writer.Paths(), "failed open must release the path")
}

func Test_Update_Leaves_Content_Unchanged_When_Required_Field_Deleted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	h.writeFile(t, "ui.json", `{"version": 2, "sidebar": {"width": "250px", "scroll": 4, "hidden": true}}`)

	s := openUI(t, h)
	before := s.Content()

	_, err := s.Update(schema.Document{"sidebar": schema.Document{"width": nil}})
	require.ErrorIs(t, err, schema.ErrInvalid)

	var scErr *schema.Error
	require.ErrorAs(t, err, &scErr)
	require.Equal(t, "sidebar.width", scErr.Path)
	require.Equal(t, 2, scErr.Version)

	require.Equal(t, before, s.Content())
	require.False(t, s.Pending(), "failed update must not schedule a write")
}

func Test_Update_Coalesces_Into_One_Write_When_Burst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	for i := 1; i <= 5; i++ {
		_, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": i}})
		require.NoError(t, err)
	}

	require.Equal(t, 1, h.clock.Armed(), "later updates must not start more timers")

	h.clock.Advance(store.DefaultInterval)

	require.Equal(t, 1, h.fs.Calls(fs.OpWriteFileAtomic))

	writes := h.writes()
	require.Len(t, writes, 1)
	require.Equal(t, 5, writes[0].Updates)
	require.JSONEq(t, `{"version": 2, "sidebar": {"width": "300px", "scroll": 5, "hidden": false}}`, h.readFile(t, "ui.json"))
}

func Test_Update_Does_Not_Reset_Deadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	_, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": 1}})
	require.NoError(t, err)

	h.clock.Advance(200 * time.Millisecond)

	_, err = s.Update(schema.Document{"sidebar": schema.Document{"scroll": 2}})
	require.NoError(t, err)

	h.clock.Advance(50 * time.Millisecond)

	require.Equal(t, 1, h.fs.Calls(fs.OpWriteFileAtomic), "write must fire at the first deadline")
	require.JSONEq(t, `{"version": 2, "sidebar": {"width": "300px", "scroll": 2, "hidden": false}}`, h.readFile(t, "ui.json"))

	_, err = s.Update(schema.Document{"sidebar": schema.Document{"scroll": 3}})
	require.NoError(t, err)
	require.True(t, s.Pending(), "update after a write starts a new cycle")
}

func Test_Open_Is_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	h.writeFile(t, "ui.json", `{"version": 1, "sidebar": {"width": "10px", "scroll": 3}}`)

	first := openUI(t, h)
	a := first.Content()
	require.NoError(t, first.Close())

	second := openUI(t, h)
	b := second.Content()

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("reopen changed content (-first +second):\n%s", diff)
	}

	require.Zero(t, h.fs.Calls(fs.OpWriteFileAtomic))
}

func Test_Open_Fails_When_File_Corrupt(t *testing.T) {
	t.Parallel()

	for _, content := range []string{"{not json", "[1,2,3]", ""} {
		h := newHarness(t, store.WriteAtomic)
		h.writeFile(t, "ui.json", content)

		_, err := store.Open(context.Background(), h.path("ui.json"), uiChain, uiDefaults, store.WithWriter(h.writer))
		require.ErrorIs(t, err, store.ErrCorruptFile, "content %q", content)
		require.Equal(t, content, h.readFile(t, "ui.json"), "corrupt file must not be touched")
	}
}

func Test_Open_Tolerates_Comments_And_Trailing_Commas(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	h.writeFile(t, "ui.json", `{
		// edited by hand
		"version": 2,
		"sidebar": {"width": "1px", "scroll": 2, "hidden": true,},
	}`)

	s := openUI(t, h)
	require.Equal(t, uiV2{Sidebar: sidebarV2{Width: "1px", Scroll: 2, Hidden: true}}, s.Content())
}

func Test_Open_Fails_When_Context_Cancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Open(ctx, h.path("ui.json"), uiChain, uiDefaults, store.WithWriter(h.writer))
	require.ErrorIs(t, err, context.Canceled)
}

func Test_Flush_Reports_Error_And_Keeps_Content_When_Write_Fails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	h.fs.FailOnce(fs.OpWriteFileAtomic, nil)

	_, err := s.Update(schema.Document{"sidebar": schema.Document{"hidden": true}})
	require.NoError(t, err)

	err = s.Flush()
	require.ErrorIs(t, err, store.ErrWriteFailed)
	require.True(t, fs.IsInjected(err))
	require.ErrorIs(t, s.Err(), store.ErrWriteFailed)

	require.True(t, s.Content().Sidebar.Hidden, "failed write must not roll back memory")
	require.False(t, s.Pending(), "failed writes are not retried")
	require.NoFileExists(t, h.path("ui.json"))

	require.NoError(t, s.Save())
	require.NoError(t, s.Err())
	require.JSONEq(t, `{"version": 2, "sidebar": {"width": "300px", "scroll": 0, "hidden": true}}`, h.readFile(t, "ui.json"))
}

func Test_Timer_Reports_Through_Hooks_When_Write_Fails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	h.fs.FailOnce(fs.OpWriteFileAtomic, errors.New("disk full"))

	_, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": 9}})
	require.NoError(t, err)

	h.clock.Advance(store.DefaultInterval)

	writes := h.writes()
	require.Len(t, writes, 1)
	require.ErrorIs(t, writes[0].Err, store.ErrWriteFailed)
	require.ErrorContains(t, s.Err(), "disk full")
}

func Test_Open_Fails_When_Path_Already_Open(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	_, err := store.Open(context.Background(), h.path("ui.json"), uiChain, uiDefaults, store.WithWriter(h.writer))
	require.ErrorIs(t, err, store.ErrAlreadyOpen)

	_, err = store.Open(context.Background(), h.path("sub/../ui.json"), uiChain, uiDefaults, store.WithWriter(h.writer))
	require.ErrorIs(t, err, store.ErrAlreadyOpen, "equivalent paths must collide")

	require.NoError(t, s.Close())

	again := openUI(t, h)
	require.NoError(t, again.Close())
}

func Test_Open_Fails_When_Lock_Held_By_Other_Handle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)

	s := openUI(t, h, store.WithLock(fs.NewLocker()))

	other := store.NewWriter(fs.NewReal(), store.WriterConfig{})

	_, err := store.Open(context.Background(), h.path("ui.json"), uiChain, uiDefaults,
		store.WithWriter(other), store.WithLock(fs.NewLocker()))
	require.ErrorIs(t, err, store.ErrLocked)

	require.NoError(t, s.Close())

	again, err := store.Open(context.Background(), h.path("ui.json"), uiChain, uiDefaults,
		store.WithWriter(other), store.WithLock(fs.NewLocker()))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func Test_Close_Flushes_And_Rejects_Later_Updates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	_, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": 7}})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.JSONEq(t, `{"version": 2, "sidebar": {"width": "300px", "scroll": 7, "hidden": false}}`, h.readFile(t, "ui.json"))
	require.Zero(t, h.clock.Armed())

	_, err = s.Update(schema.Document{"sidebar": schema.Document{"scroll": 8}})
	require.ErrorIs(t, err, store.ErrClosed)

	_, err = s.Mutate(func(*uiV2) error { return nil })
	require.ErrorIs(t, err, store.ErrClosed)
}

func Test_Mutate_Commits_Only_When_Valid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	got, err := s.Mutate(func(ui *uiV2) error {
		ui.Sidebar.Hidden = true
		ui.Sidebar.Scroll = 12

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uiV2{Sidebar: sidebarV2{Width: "300px", Scroll: 12, Hidden: true}}, got)
	require.True(t, s.Pending())

	boom := errors.New("boom")

	_, err = s.Mutate(func(ui *uiV2) error {
		ui.Sidebar.Scroll = 99

		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 12, s.Content().Sidebar.Scroll)

	_, err = s.Mutate(func(ui *uiV2) error {
		ui.Sidebar.Scroll = -1

		return nil
	})
	require.ErrorIs(t, err, schema.ErrInvalid)
	require.Equal(t, 12, s.Content().Sidebar.Scroll)
}

func Test_UpdateJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	got, err := s.UpdateJSON([]byte(`{"sidebar": {"scroll": 3, /* hidden too */ "hidden": true,}}`))
	require.NoError(t, err)
	require.Equal(t, uiV2{Sidebar: sidebarV2{Width: "300px", Scroll: 3, Hidden: true}}, got)

	_, err = s.UpdateJSON([]byte(`[1]`))
	require.ErrorIs(t, err, schema.ErrInvalid)
}

func Test_CheckDisk_Detects_External_Edits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	ok, err := s.CheckDisk()
	require.NoError(t, err)
	require.True(t, ok, "absent file matches a store that never wrote")

	require.NoError(t, s.Save())

	ok, err = s.CheckDisk()
	require.NoError(t, err)
	require.True(t, ok)

	h.writeFile(t, "ui.json", `{"version": 2, "sidebar": {"width": "1px"}}`)

	ok, err = s.CheckDisk()
	require.NoError(t, err)
	require.False(t, ok, "external edit must be detected")

	require.NoError(t, os.Remove(h.path("ui.json")))

	ok, err = s.CheckDisk()
	require.NoError(t, err)
	require.False(t, ok, "deleted file must be detected")
}

func Test_Writer_Uses_Plain_Write_When_Mode_Direct(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteDirect)
	s := openUI(t, h)

	require.NoError(t, s.Save())
	require.Equal(t, 1, h.fs.Calls(fs.OpWriteFile))
	require.Zero(t, h.fs.Calls(fs.OpWriteFileAtomic))
}

func Test_Writer_FlushAll_Writes_Every_Pending_Path(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)

	ui := openUI(t, h)

	other, err := store.Open(context.Background(), h.path("nested/dir/ui.json"), uiChain, uiDefaults, store.WithWriter(h.writer))
	require.NoError(t, err)

	_, err = ui.Update(schema.Document{"sidebar": schema.Document{"scroll": 1}})
	require.NoError(t, err)

	_, err = other.Update(schema.Document{"sidebar": schema.Document{"scroll": 2}})
	require.NoError(t, err)

	require.NoError(t, h.writer.FlushAll(context.Background()))

	require.FileExists(t, h.path("ui.json"))
	require.FileExists(t, h.path("nested/dir/ui.json"))
	require.False(t, ui.Pending())
	require.False(t, other.Pending())

	require.Equal(t, []string{h.path("nested/dir/ui.json"), h.path("ui.json")}, h.writer.Paths())
}

func Test_Writer_FlushAll_Joins_Errors_When_Writes_Fail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	h.fs.Fail(fs.OpWriteFileAtomic, nil)

	for _, name := range []string{"a.json", "b.json"} {
		h.writer.Schedule(h.path(name), store.SnapshotFunc(func() ([]byte, error) {
			return []byte("{}\n"), nil
		}))
	}

	err := h.writer.FlushAll(context.Background())
	require.ErrorIs(t, err, store.ErrWriteFailed)
	require.ErrorContains(t, err, "a.json")
	require.ErrorContains(t, err, "b.json")
}

func Test_Writer_Flush_Is_Noop_When_Nothing_Pending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)

	require.NoError(t, h.writer.Flush(h.path("none.json")))
	require.NoError(t, h.writer.Err(h.path("none.json")))
	require.Empty(t, h.writes())
}

func Test_Store_Writes_Once_When_Updates_Concurrent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Go(func() {
			_, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": i}})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		})
	}

	wg.Wait()

	require.NoError(t, s.Flush())
	require.Equal(t, 1, h.fs.Calls(fs.OpWriteFileAtomic))

	data := h.readFile(t, "ui.json")

	doc, err := schema.ParseDocument([]byte(data))
	require.NoError(t, err)

	got, err := uiChain.Upgrade(doc)
	require.NoError(t, err)
	require.Equal(t, s.Content(), got, "file must hold the last applied update")
}

func Test_Update_Goes_Out_Next_Cycle_When_Write_In_Progress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	_, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": 1}})
	require.NoError(t, err)

	entered, release := h.fs.Block(fs.OpWriteFileAtomic)
	defer release()

	fired := make(chan struct{})

	go func() {
		h.clock.Advance(store.DefaultInterval)
		close(fired)
	}()

	<-entered

	got, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": 2}})
	require.NoError(t, err)
	require.Equal(t, 2, got.Sidebar.Scroll)
	require.Equal(t, 2, s.Content().Sidebar.Scroll)
	require.True(t, s.Pending(), "the update must wait for the next cycle")
	require.Equal(t, 1, h.clock.Armed())

	release()
	<-fired

	writes := h.writes()
	require.Len(t, writes, 1)
	require.NoError(t, writes[0].Err)
	require.Equal(t, 1, writes[0].Updates)
	require.JSONEq(t, `{"version": 2, "sidebar": {"width": "300px", "scroll": 1, "hidden": false}}`, string(writes[0].Data))
	require.JSONEq(t, string(writes[0].Data), h.readFile(t, "ui.json"))

	h.clock.Advance(store.DefaultInterval)

	writes = h.writes()
	require.Len(t, writes, 2)
	require.Equal(t, 1, writes[1].Updates)
	require.JSONEq(t, `{"version": 2, "sidebar": {"width": "300px", "scroll": 2, "hidden": false}}`, string(writes[1].Data))
	require.JSONEq(t, string(writes[1].Data), h.readFile(t, "ui.json"))
	require.Equal(t, 2, h.fs.Calls(fs.OpWriteFileAtomic))
	require.False(t, s.Pending())
}

func Test_Flush_Waits_For_Write_In_Progress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, store.WriteAtomic)
	s := openUI(t, h)

	_, err := s.Update(schema.Document{"sidebar": schema.Document{"scroll": 1}})
	require.NoError(t, err)

	entered, release := h.fs.Block(fs.OpWriteFileAtomic)
	defer release()

	go h.clock.Advance(store.DefaultInterval)

	<-entered

	_, err = s.Update(schema.Document{"sidebar": schema.Document{"scroll": 2}})
	require.NoError(t, err)

	flushed := make(chan error, 1)

	go func() { flushed <- s.Flush() }()

	select {
	case err := <-flushed:
		t.Fatalf("Flush returned during an in-progress write: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-flushed)

	writes := h.writes()
	require.Len(t, writes, 2)
	require.Contains(t, string(writes[0].Data), `"scroll": 1`)
	require.Contains(t, string(writes[1].Data), `"scroll": 2`)
	require.Contains(t, h.readFile(t, "ui.json"), `"scroll": 2`)
}
