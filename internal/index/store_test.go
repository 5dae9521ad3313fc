package index

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/pkgidx/internal/catalog"
)

func sampleManifest(id string, versions ...string) catalog.Manifest {
	m := catalog.Manifest{
		ID:        id,
		Name:      id + " App",
		Publisher: "Contoso",
		Moniker:   "app",
		Tags:      []string{"tools", "editor"},
		Commands:  []string{"app"},
	}
	for _, v := range versions {
		m.Versions = append(m.Versions, catalog.Version{
			Version: v,
			Details: catalog.Details{Description: "release " + v, License: "MIT"},
			Installers: []catalog.Installer{{
				Type:         "msi",
				Architecture: "x64",
				URL:          "https://example.invalid/" + id + "/" + v + ".msi",
				SHA256:       "abc123",
				ProductCode:  "{" + id + "-" + v + "}",
			}},
		})
	}
	return m
}

func normalized(m catalog.Manifest) catalog.Manifest {
	m.Normalize()
	return m
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Create(context.Background(), filepath.Join(t.TempDir(), "main.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMissingIsNotFound(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "none.db"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenGarbageIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database file at all, not even close"), 0o644))
	_, err := Open(context.Background(), path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenForeignSQLiteIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.db")
	db, err := sql.Open(driverName, path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE other (x INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenSchemaTooNew(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.db.ExecContext(ctx, `UPDATE metadata SET value = '99' WHERE name = 'schema_version'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, s.Path())
	require.ErrorIs(t, err, ErrSchemaTooNew)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 99, se.Found)
}

func TestUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	in := normalized(sampleManifest("A.App", "1.0", "2.0"))
	require.NoError(t, s.UpsertManifest(ctx, in))

	got, err := s.GetManifests(ctx, catalog.Predicate{Field: catalog.FieldID, Match: catalog.MatchExact, Value: "A.App"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(in, got[0], cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertManifest(ctx, sampleManifest("A.App", "1.0")))

	next := sampleManifest("A.App", "3.0")
	next.Tags = []string{"new"}
	require.NoError(t, s.UpsertManifest(ctx, next))

	m, err := s.Manifest(ctx, "A.App")
	require.NoError(t, err)
	assert.Equal(t, []string{"3.0"}, m.VersionStrings())
	assert.Equal(t, []string{"new"}, m.Tags)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertRejectsInvalidWithoutWriting(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertManifest(ctx, sampleManifest("A.App", "1.0")))
	before, err := s.ContentHash(ctx)
	require.NoError(t, err)

	err = s.UpsertManifests(ctx, []catalog.Manifest{sampleManifest("B.App", "1.0"), {ID: "C.App"}})
	require.Error(t, err)

	after, err := s.ContentHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = s.Manifest(ctx, "B.App")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestRemoveManifest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertManifests(ctx, []catalog.Manifest{
		sampleManifest("A.App", "1.0"),
		sampleManifest("B.App", "1.0"),
	}))
	require.NoError(t, s.RemoveManifest(ctx, "A.App"))
	assert.ErrorIs(t, s.RemoveManifest(ctx, "A.App"), ErrManifestNotFound)

	all, err := s.GetManifests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "B.App", all[0].ID)
	require.NoError(t, s.Verify(ctx))
}

func TestGetManifestsPredicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := sampleManifest("Contoso.Editor", "1.0")
	a.Name = "Contoso Editor"
	a.Tags = []string{"editor", "text"}
	a.PackageFamilyNames = []string{"Contoso.Editor_8wekyb3d8bbwe"}
	b := sampleManifest("Fabrikam.Editor", "2.0")
	b.Name = "Fabrikam 100%_Editor"
	b.Tags = []string{"editor"}
	c := sampleManifest("Contoso.Shell", "1.0")
	c.Name = "Shell"
	c.Tags = []string{"terminal"}
	require.NoError(t, s.UpsertManifests(ctx, []catalog.Manifest{c, b, a}))

	ids := func(preds ...catalog.Predicate) []string {
		t.Helper()
		ms, err := s.GetManifests(ctx, preds...)
		require.NoError(t, err)
		var out []string
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}

	assert.Equal(t, []string{"Contoso.Editor", "Contoso.Shell", "Fabrikam.Editor"}, ids())
	assert.Equal(t, []string{"Contoso.Editor", "Fabrikam.Editor"},
		ids(catalog.Predicate{Field: catalog.FieldTag, Match: catalog.MatchExact, Value: "editor"}))
	assert.Equal(t, []string{"Contoso.Editor", "Contoso.Shell"},
		ids(catalog.Predicate{Field: catalog.FieldID, Match: catalog.MatchStartsWith, Value: "contoso."}))
	assert.Equal(t, []string{"Contoso.Editor"},
		ids(
			catalog.Predicate{Field: catalog.FieldID, Match: catalog.MatchStartsWith, Value: "contoso"},
			catalog.Predicate{Field: catalog.FieldTag, Match: catalog.MatchCaseInsensitive, Value: "EDITOR"},
		))
	assert.Equal(t, []string{"Fabrikam.Editor"},
		ids(catalog.Predicate{Field: catalog.FieldName, Match: catalog.MatchSubstring, Value: "100%_"}))
	assert.Empty(t, ids(catalog.Predicate{Field: catalog.FieldName, Match: catalog.MatchSubstring, Value: "0%x"}))
	assert.Equal(t, []string{"Contoso.Editor"},
		ids(catalog.Predicate{Field: catalog.FieldPackageFamilyName, Match: catalog.MatchCaseInsensitive, Value: "contoso.editor_8wekyb3d8bbwe"}))
	assert.Equal(t, []string{"Contoso.Editor", "Fabrikam.Editor"},
		ids(catalog.Predicate{Field: catalog.FieldName, Match: catalog.MatchFuzzy, Value: "edtr"}))
}

func TestGetManifestsRejectsInvalidPredicate(t *testing.T) {
	s := newStore(t)
	_, err := s.GetManifests(context.Background(), catalog.Predicate{Field: "color", Match: catalog.MatchExact, Value: "x"})
	assert.ErrorIs(t, err, catalog.ErrInvalidPredicate)
}

func TestMigrateFromV1(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	old, err := createAt(ctx, path, 1)
	require.NoError(t, err)
	_, err = old.db.ExecContext(ctx, `INSERT INTO manifests(id, name, publisher) VALUES('Old.App', 'Old App', 'Contoso')`)
	require.NoError(t, err)
	_, err = old.db.ExecContext(ctx, `INSERT INTO versions(manifest, version) VALUES(1, '1.0')`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, CurrentSchemaVersion, s.SchemaVersion())

	m, err := s.Manifest(ctx, "Old.App")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0"}, m.VersionStrings())
	require.NoError(t, s.Verify(ctx))
}

func TestOpenWithoutMigration(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	old, err := createAt(ctx, path, 2)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	s, err := Open(ctx, path, WithoutMigration())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 2, s.SchemaVersion())
	_, err = s.Count(ctx)
	assert.ErrorIs(t, err, ErrNeedsMigration)

	assert.Error(t, s.MigrateSchema(ctx, 1, CurrentSchemaVersion))
	assert.ErrorIs(t, s.MigrateSchema(ctx, 2, CurrentSchemaVersion+1), ErrSchemaTooNew)
	require.NoError(t, s.MigrateSchema(ctx, 2, CurrentSchemaVersion))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertManifest(ctx, sampleManifest("A.App", "1.0")))
	require.NoError(t, s.Verify(ctx))

	_, err := s.db.ExecContext(ctx, `UPDATE manifests SET name = 'Tampered' WHERE id = 'A.App'`)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(ctx), ErrCorrupt)

	require.NoError(t, s.Close())
	_, err = Open(ctx, s.Path(), WithVerify())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReplaceIsSeenByOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	live := filepath.Join(dir, "main.db")

	s, err := Create(ctx, live)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.UpsertManifest(ctx, sampleManifest("Old.App", "1.0")))

	next, err := Create(ctx, filepath.Join(dir, "main.db.tmp"))
	require.NoError(t, err)
	require.NoError(t, next.UpsertManifest(ctx, sampleManifest("New.App", "2.0")))
	require.NoError(t, next.Close())

	require.NoError(t, Replace(ctx, next.Path(), live))

	all, err := s.GetManifests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "New.App", all[0].ID)
}

// holdView enters a View on r, reports the IDs it sees on entry, then waits
// for release and reports the IDs it sees again inside the same transaction.
func holdView(ctx context.Context, r *Store, entered chan<- []string, release <-chan struct{}, after chan<- []string) error {
	return r.View(ctx, func(rd Reader) error {
		ids, err := rd.IDs(ctx)
		if err != nil {
			return err
		}
		entered <- ids
		<-release
		ids, err = rd.IDs(ctx)
		if err != nil {
			return err
		}
		after <- ids
		return nil
	})
}

func TestConcurrentReadersSeeOneGeneration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	live := filepath.Join(dir, "main.db")

	s, err := Create(ctx, live)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.UpsertManifests(ctx, []catalog.Manifest{
		sampleManifest("Gen1.A", "1.0"),
		sampleManifest("Gen1.B", "1.0"),
	}))

	readers := make([]*Store, 2)
	for i := range readers {
		readers[i], err = Open(ctx, live)
		require.NoError(t, err)
		defer readers[i].Close()
	}

	entered := make(chan []string, len(readers))
	after := make(chan []string, len(readers))
	release := make(chan struct{})
	errs := make(chan error, len(readers))
	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(r *Store) {
			defer wg.Done()
			errs <- holdView(ctx, r, entered, release, after)
		}(r)
	}
	gen1 := []string{"Gen1.A", "Gen1.B"}
	for range readers {
		assert.Equal(t, gen1, <-entered)
	}

	tmp := filepath.Join(dir, "main.db.next")
	next, err := Create(ctx, tmp)
	require.NoError(t, err)
	require.NoError(t, next.UpsertManifests(ctx, []catalog.Manifest{
		sampleManifest("Gen2.A", "2.0"),
		sampleManifest("Gen2.B", "2.0"),
	}))
	require.NoError(t, next.Close())
	require.NoError(t, Replace(ctx, tmp, live))

	close(release)
	wg.Wait()
	close(errs)
	close(after)
	for err := range errs {
		require.NoError(t, err)
	}
	for ids := range after {
		assert.Equal(t, gen1, ids, "open transaction saw the replacement")
	}

	for _, r := range readers {
		all, err := r.GetManifests(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "Gen2.A", all[0].ID)
	}
}

func TestWriteDoesNotWaitForOpenReaders(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertManifest(ctx, sampleManifest("Old.App", "1.0")))

	r, err := Open(ctx, s.Path())
	require.NoError(t, err)
	defer r.Close()

	entered := make(chan []string, 1)
	after := make(chan []string, 1)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- holdView(ctx, r, entered, release, after) }()
	assert.Equal(t, []string{"Old.App"}, <-entered)

	// Well inside the driver's busy timeout: a write that waited on the
	// reader's lock would fail here.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.UpsertManifest(wctx, sampleManifest("New.App", "1.0")))
	require.NoError(t, s.RemoveManifest(wctx, "Old.App"))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"Old.App"}, <-after)

	for _, st := range []*Store{s, r} {
		m, err := st.GetManifests(ctx)
		require.NoError(t, err)
		require.Len(t, m, 1)
		assert.Equal(t, "New.App", m[0].ID)
		require.NoError(t, st.Verify(ctx))
	}
	leftovers, err := filepath.Glob(s.Path() + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestUpsertStoresNormalizedRecord(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	in := sampleManifest("A.App", "1.0", "2.0")
	in.Tags = []string{"tools", "editor", "tools"}
	require.NoError(t, s.UpsertManifest(ctx, in))

	got, err := s.Manifest(ctx, "A.App")
	require.NoError(t, err)
	assert.Equal(t, []string{"2.0", "1.0"}, got.VersionStrings())
	assert.Equal(t, []string{"editor", "tools"}, got.Tags)
	assert.Equal(t, []string{"tools", "editor", "tools"}, in.Tags, "caller's slice modified")
}

func TestClosedStore(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	_, err := s.Count(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRemoveDeletesFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertManifest(ctx, sampleManifest("A.App", "1.0")))
	require.NoError(t, s.Close())

	require.NoError(t, Remove(s.Path()))
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.Path() + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestClassify(t *testing.T) {
	plain := errors.New("plain")
	assert.Equal(t, plain, classify(plain))
	assert.Nil(t, classify(nil))
	assert.True(t, IsRetryable(ErrConflict))
	assert.False(t, IsRetryable(ErrCorrupt))
}
