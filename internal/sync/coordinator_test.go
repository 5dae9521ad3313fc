package catalogsync

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/paths"
	"github.com/kamusis/pkgidx/internal/search"
	"github.com/kamusis/pkgidx/internal/source"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

const gitManifest = `id: Git.Git
name: Git
publisher: The Git Development Community
versions:
  - version: 2.44.0
`

const editorManifest = `id: Contoso.Editor
name: Contoso Editor
publisher: Contoso
versions:
  - version: "1.0"
`

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	list    *source.List
	catalog string
	events  *telemetry.Recorder
	now     time.Time
}

func setup(t *testing.T) *env {
	t.Helper()
	app := t.TempDir()
	t.Cleanup(paths.Override(paths.AppDirectory, app))
	rec := &telemetry.Recorder{}
	t.Cleanup(telemetry.Override(rec))

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "git.yaml"), gitManifest)

	l, err := source.DefaultList()
	require.NoError(t, err)
	require.NoError(t, l.Add(context.Background(), source.Descriptor{Name: "local", Type: source.TypeDir, Arg: dir}))
	return &env{list: l, catalog: dir, events: rec, now: t0}
}

func (e *env) coordinator(opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return e.now }
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	return New(e.list, opts)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func ids(t *testing.T, src source.Source) []string {
	t.Helper()
	res, err := src.Search(context.Background(), search.Query{Limit: search.NoLimit})
	require.NoError(t, err)
	var out []string
	for _, m := range res.Matches {
		out = append(out, m.Manifest.ID)
	}
	return out
}

func tmpLeftovers(t *testing.T) []string {
	t.Helper()
	dir, err := paths.Get(paths.LocalIndexDirectory)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			out = append(out, e.Name())
		}
	}
	return out
}

// scripted is a source whose Fetch fails with the queued errors before
// writing the given manifests.
type scripted struct {
	*source.Base
	fail      []error
	manifests []catalog.Manifest
	calls     *atomic.Int32
	hook      func(ctx context.Context)
}

func (s *scripted) Fetch(ctx context.Context, dst string) error {
	n := int(s.calls.Add(1)) - 1
	if s.hook != nil {
		s.hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n < len(s.fail) {
		// leave a partial file behind to prove cleanup
		_ = os.WriteFile(dst, []byte("partial"), 0o644)
		return s.fail[n]
	}
	st, err := index.Create(ctx, dst)
	if err != nil {
		return err
	}
	if err := st.UpsertManifests(ctx, s.manifests); err != nil {
		_ = st.Close()
		return err
	}
	return st.Close()
}

func useScripted(t *testing.T, e *env, s scripted) *atomic.Int32 {
	t.Helper()
	calls := &atomic.Int32{}
	t.Cleanup(source.OverrideFactory("scripted", func(d source.Descriptor) (source.Source, error) {
		cp := s
		cp.Base = source.NewBase(d)
		cp.calls = calls
		return &cp, nil
	}))
	require.NoError(t, e.list.Add(context.Background(), source.Descriptor{Name: "fake", Type: "scripted"}))
	return calls
}

var appManifest = []catalog.Manifest{{ID: "A.App", Name: "A", Versions: []catalog.Version{{Version: "1.0"}}}}

func TestSyncBuildsStoreAndRecordsDescriptor(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	c := e.coordinator(Options{})

	require.NoError(t, c.Sync(ctx, "local"))

	d, err := e.list.Get("local")
	require.NoError(t, err)
	assert.True(t, d.LastSync.Equal(t0))
	assert.Equal(t, index.CurrentSchemaVersion, d.SchemaVersion)
	assert.NotEmpty(t, d.Fingerprint)

	st := c.Status("local")
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, 1, st.Attempts)
	assert.NoError(t, st.LastError)

	src, err := c.Open(ctx, "local")
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, []string{"Git.Git"}, ids(t, src))

	assert.Len(t, e.events.Named(telemetry.EventSourceSynced), 1)
	assert.Empty(t, tmpLeftovers(t))
}

func TestSyncFailureKeepsPreviousStore(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	c := e.coordinator(Options{})
	require.NoError(t, c.Sync(ctx, "local"))

	src, err := c.Open(ctx, "local")
	require.NoError(t, err)
	defer src.Close()

	writeFile(t, filepath.Join(e.catalog, "broken.yaml"), "id: [oops")
	err = c.Sync(ctx, "local")
	require.Error(t, err)
	assert.Equal(t, Failed, c.Status("local").State)
	assert.Len(t, e.events.Named(telemetry.EventSourceSyncFailed), 1)

	assert.Equal(t, []string{"Git.Git"}, ids(t, src))
	assert.Empty(t, tmpLeftovers(t))
}

func TestSyncPublishesToOpenReaders(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	c := e.coordinator(Options{})
	require.NoError(t, c.Sync(ctx, "local"))

	src, err := c.Open(ctx, "local")
	require.NoError(t, err)
	defer src.Close()

	writeFile(t, filepath.Join(e.catalog, "editor.yaml"), editorManifest)
	require.NoError(t, c.Sync(ctx, "local"))
	assert.Equal(t, []string{"Contoso.Editor", "Git.Git"}, ids(t, src))
}

func TestSyncRetriesTransientErrors(t *testing.T) {
	e := setup(t)
	transient := errors.Join(index.ErrTransient, errors.New("disk hiccup"))
	calls := useScripted(t, e, scripted{fail: []error{transient, transient}, manifests: appManifest})
	c := e.coordinator(Options{MaxRetries: 3})

	require.NoError(t, c.Sync(context.Background(), "fake"))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 3, c.Status("fake").Attempts)
	assert.Empty(t, tmpLeftovers(t))
}

func TestSyncGivesUpAfterMaxRetries(t *testing.T) {
	e := setup(t)
	transient := errors.Join(index.ErrTransient, errors.New("disk hiccup"))
	calls := useScripted(t, e, scripted{fail: []error{transient, transient, transient}, manifests: appManifest})
	c := e.coordinator(Options{MaxRetries: 1})

	err := c.Sync(context.Background(), "fake")
	require.ErrorIs(t, err, index.ErrTransient)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, Failed, c.Status("fake").State)
	assert.Empty(t, tmpLeftovers(t))
}

func TestSyncRetriesConflictOnce(t *testing.T) {
	e := setup(t)
	conflict := errors.Join(index.ErrConflict, errors.New("locked"))
	calls := useScripted(t, e, scripted{fail: []error{conflict, conflict, conflict}, manifests: appManifest})
	c := e.coordinator(Options{MaxRetries: 5})

	require.ErrorIs(t, c.Sync(context.Background(), "fake"), index.ErrConflict)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSyncDoesNotRetryPermanentErrors(t *testing.T) {
	e := setup(t)
	calls := useScripted(t, e, scripted{fail: []error{errors.New("bad data")}, manifests: appManifest})
	c := e.coordinator(Options{MaxRetries: 5})

	require.Error(t, c.Sync(context.Background(), "fake"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestSyncCancelledLeavesSourceStale(t *testing.T) {
	e := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	useScripted(t, e, scripted{manifests: appManifest, hook: func(context.Context) { cancel() }})
	c := e.coordinator(Options{})

	err := c.Sync(ctx, "fake")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stale, c.Status("fake").State)

	p, err := source.IndexPath("fake")
	require.NoError(t, err)
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, tmpLeftovers(t))
}

func TestConcurrentSyncsShareOneRun(t *testing.T) {
	e := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	calls := useScripted(t, e, scripted{manifests: appManifest, hook: func(context.Context) {
		once.Do(func() { close(started) })
		<-release
	}})
	c := e.coordinator(Options{})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = c.Sync(context.Background(), "fake")
	}()
	<-started
	for i := 1; i < len(errs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Sync(context.Background(), "fake")
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestJoinedSyncSurvivesCancelledStarter(t *testing.T) {
	e := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	calls := useScripted(t, e, scripted{manifests: appManifest, hook: func(context.Context) {
		once.Do(func() {
			close(started)
			<-release
		})
	}})
	c := e.coordinator(Options{})

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() { firstErr <- c.Sync(first, "fake") }()
	<-started

	secondErr := make(chan error, 1)
	go func() { secondErr <- c.Sync(context.Background(), "fake") }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	close(release)

	require.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-secondErr)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, Idle, c.Status("fake").State)
	assert.Empty(t, tmpLeftovers(t))
}

func TestSyncUnusableNameFails(t *testing.T) {
	e := setup(t)
	raw := "sources:\n  - name: bad/name\n    type: dir\n    arg: " + e.catalog + "\n"
	require.NoError(t, os.WriteFile(e.list.Path(), []byte(raw), 0o644))
	c := e.coordinator(Options{})

	err := c.Sync(context.Background(), "bad/name")
	require.ErrorIs(t, err, source.ErrInvalidName)
	st := c.Status("bad/name")
	assert.Equal(t, Failed, st.State)
	assert.ErrorIs(t, st.LastError, source.ErrInvalidName)
}

// storeOf exposes the index store behind an open source.
func storeOf(t *testing.T, src source.Source) *index.Store {
	t.Helper()
	b, ok := src.(interface{ Store() *index.Store })
	require.True(t, ok, "source %T has no store", src)
	require.NotNil(t, b.Store())
	return b.Store()
}

func TestSyncUnderOpenReadersKeepsTheirGeneration(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	c := e.coordinator(Options{})
	require.NoError(t, c.Sync(ctx, "local"))

	srcs := make([]source.Source, 2)
	for i := range srcs {
		src, err := c.Open(ctx, "local")
		require.NoError(t, err)
		defer src.Close()
		srcs[i] = src
	}

	entered := make(chan []string, len(srcs))
	inside := make(chan []string, len(srcs))
	release := make(chan struct{})
	errs := make(chan error, len(srcs))
	for _, src := range srcs {
		st := storeOf(t, src)
		go func() {
			errs <- st.View(ctx, func(r index.Reader) error {
				before, err := r.IDs(ctx)
				if err != nil {
					return err
				}
				entered <- before
				<-release
				after, err := r.IDs(ctx)
				if err != nil {
					return err
				}
				inside <- after
				return nil
			})
		}()
	}
	for range srcs {
		assert.Equal(t, []string{"Git.Git"}, <-entered)
	}

	writeFile(t, filepath.Join(e.catalog, "editor.yaml"), editorManifest)
	require.NoError(t, c.Sync(ctx, "local"))

	close(release)
	for range srcs {
		require.NoError(t, <-errs)
		assert.Equal(t, []string{"Git.Git"}, <-inside, "open transaction saw the new generation")
	}
	for _, src := range srcs {
		assert.Equal(t, []string{"Contoso.Editor", "Git.Git"}, ids(t, src))
	}
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	e := setup(t)
	useScripted(t, e, scripted{fail: []error{errors.New("bad data")}})
	require.NoError(t, e.list.Add(context.Background(), source.Descriptor{Name: "off", Type: source.TypeDir, Arg: "/nonexistent", Disabled: true}))
	c := e.coordinator(Options{})

	err := c.SyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync fake")
	assert.NotContains(t, err.Error(), "sync off")

	assert.Equal(t, Idle, c.Status("local").State)
	assert.Equal(t, Failed, c.Status("fake").State)
	d, err := e.list.Get("local")
	require.NoError(t, err)
	assert.False(t, d.LastSync.IsZero())
}

func TestSyncStaleSkipsFreshAndUnchanged(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	c := e.coordinator(Options{StaleAfter: 24 * time.Hour})
	require.NoError(t, c.Sync(ctx, "local"))

	e.now = t0.Add(time.Hour)
	names, err := c.SyncStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	e.now = t0.Add(25 * time.Hour)
	names, err = c.SyncStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, names)

	synced := e.events.Named(telemetry.EventSourceSynced)
	require.Len(t, synced, 2)
	assert.Equal(t, false, synced[1].Fields["rebuilt"])
	d, err := e.list.Get("local")
	require.NoError(t, err)
	assert.True(t, d.LastSync.Equal(e.now))
}

func TestSyncStaleRebuildsChangedData(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	c := e.coordinator(Options{})
	require.NoError(t, c.Sync(ctx, "local"))

	writeFile(t, filepath.Join(e.catalog, "editor.yaml"), editorManifest)
	e.now = t0.Add(48 * time.Hour)
	_, err := c.SyncStale(ctx)
	require.NoError(t, err)

	synced := e.events.Named(telemetry.EventSourceSynced)
	require.Len(t, synced, 2)
	assert.Equal(t, true, synced[1].Fields["rebuilt"])
}

func TestOpenSyncsNeverSyncedSource(t *testing.T) {
	e := setup(t)
	c := e.coordinator(Options{})

	src, err := c.Open(context.Background(), "local")
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, []string{"Git.Git"}, ids(t, src))
}

func TestOpenRebuildsCorruptStore(t *testing.T) {
	e := setup(t)
	p, err := source.IndexPath("local")
	require.NoError(t, err)
	writeFile(t, p, "this is not a database")
	c := e.coordinator(Options{})

	src, err := c.Open(context.Background(), "local")
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, []string{"Git.Git"}, ids(t, src))
	assert.Len(t, e.events.Named(telemetry.EventStoreRebuilt), 1)
}

func markTooNew(t *testing.T, name string) {
	t.Helper()
	p, err := source.IndexPath(name)
	require.NoError(t, err)
	db, err := sql.Open("sqlite", p)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE metadata SET value = '99' WHERE name = 'schema_version'`)
	require.NoError(t, err)
}

func TestOpenFailsOnlySourceWithNewerSchema(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	calls := useScripted(t, e, scripted{manifests: appManifest})
	c := e.coordinator(Options{})
	require.NoError(t, c.SyncAll(ctx))
	markTooNew(t, "fake")

	_, err := c.Open(ctx, "fake")
	require.ErrorIs(t, err, index.ErrSchemaTooNew)
	assert.Equal(t, Failed, c.Status("fake").State)
	assert.EqualValues(t, 1, calls.Load())

	searchers, closeAll, err := c.Searchers(ctx)
	require.NoError(t, err)
	defer closeAll()
	require.Len(t, searchers, 2)

	res, err := search.Aggregate(ctx, searchers, search.Query{Limit: search.NoLimit})
	require.NoError(t, err)
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "fake", res.Degraded[0].Source)
	assert.ErrorIs(t, res.Degraded[0].Err, index.ErrSchemaTooNew)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "Git.Git", res.Matches[0].Manifest.ID)
}

func TestWatchResyncsChangedDirectory(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := setup(t)
	c := e.coordinator(Options{WatchDebounce: 30 * time.Millisecond})
	require.NoError(t, c.Sync(context.Background(), "local"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	// give the watcher time to register its directories
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(e.catalog, "nested", "editor.yaml"), editorManifest)

	st, err := index.Open(context.Background(), mustIndexPath(t, "local"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := st.Count(context.Background())
		return err == nil && n == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, st.Close())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := setup(t)
	c := e.coordinator(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		return c.Status("local").State == Idle && !c.Status("local").LastSync.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func mustIndexPath(t *testing.T, name string) string {
	t.Helper()
	p, err := source.IndexPath(name)
	require.NoError(t, err)
	return p
}
