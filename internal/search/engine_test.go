package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/index"
)

func manifest(id, name string, tags ...string) catalog.Manifest {
	return catalog.Manifest{
		ID:        id,
		Name:      name,
		Publisher: "Contoso",
		Tags:      tags,
		Versions:  []catalog.Version{{Version: "1.0"}},
	}
}

func newStore(t *testing.T, ms ...catalog.Manifest) *index.Store {
	t.Helper()
	ctx := context.Background()
	s, err := index.Create(ctx, filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	if len(ms) > 0 {
		require.NoError(t, s.UpsertManifests(ctx, ms))
	}
	return s
}

func ids(res Result) []string {
	out := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		out = append(out, m.Manifest.ID)
	}
	return out
}

func fixture(t *testing.T) *index.Store {
	return newStore(t,
		manifest("Git.Git", "Git", "vcs"),
		manifest("GitHub.Cli", "GitHub CLI", "git", "vcs"),
		manifest("Gitkraken.Client", "GitKraken", "git"),
		manifest("Microsoft.VisualStudioCode", "Visual Studio Code", "editor"),
		manifest("git", "Legacy git shim"),
	)
}

func TestEmptyQueryReturnsAllInIDOrder(t *testing.T) {
	s := fixture(t)
	res, err := NewEngine(nil).Search(context.Background(), s, Query{Limit: NoLimit})
	require.NoError(t, err)
	assert.Equal(t, []string{"Git.Git", "GitHub.Cli", "Gitkraken.Client", "Microsoft.VisualStudioCode", "git"}, ids(res))
	assert.False(t, res.Truncated)
}

func TestRankingPrefersExactIDThenExactName(t *testing.T) {
	s := fixture(t)
	res, err := NewEngine(nil).Search(context.Background(), s, Query{
		Term:  &Term{Value: "git", Match: catalog.MatchSubstring},
		Limit: NoLimit,
	})
	require.NoError(t, err)
	// exact id, then exact name, then exact tag hits.
	assert.Equal(t, []string{"git", "Git.Git", "GitHub.Cli", "Gitkraken.Client"}, ids(res)[:4])
	assert.Equal(t, catalog.FieldID, res.Matches[0].Field)
	assert.Equal(t, catalog.MatchExact, res.Matches[0].Match)
	assert.NotContains(t, ids(res), "Microsoft.VisualStudioCode")
}

func TestExactNameRanksBeforeWeakerMatches(t *testing.T) {
	s := newStore(t,
		manifest("A.Tool", "Tools for code"),
		manifest("Z.Code", "code"),
	)
	res, err := NewEngine(nil).Search(context.Background(), s, Query{
		Term:  &Term{Value: "code", Match: catalog.MatchSubstring},
		Limit: NoLimit,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Z.Code", "A.Tool"}, ids(res))
	assert.Equal(t, catalog.FieldName, res.Matches[0].Field)
	assert.Equal(t, "code", res.Matches[0].Value)
}

func TestSearchIsDeterministic(t *testing.T) {
	s := fixture(t)
	q := Query{Term: &Term{Value: "gi", Match: catalog.MatchFuzzy}, Limit: NoLimit}
	e := NewEngine(nil)
	first, err := e.Search(context.Background(), s, q)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Search(context.Background(), s, q)
		require.NoError(t, err)
		assert.Equal(t, ids(first), ids(again))
	}
}

func TestFiltersAreConjunctive(t *testing.T) {
	s := fixture(t)
	res, err := NewEngine(nil).Search(context.Background(), s, Query{
		Term: &Term{Value: "git", Match: catalog.MatchStartsWith},
		Filters: []catalog.Predicate{
			{Field: catalog.FieldTag, Match: catalog.MatchExact, Value: "git"},
			{Field: catalog.FieldTag, Match: catalog.MatchExact, Value: "vcs"},
		},
		Limit: NoLimit,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"GitHub.Cli"}, ids(res))
}

func TestTermFieldsRestrictSearch(t *testing.T) {
	s := fixture(t)
	res, err := NewEngine(nil).Search(context.Background(), s, Query{
		Term:  &Term{Value: "editor", Match: catalog.MatchExact, Fields: []catalog.Field{catalog.FieldTag}},
		Limit: NoLimit,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Microsoft.VisualStudioCode"}, ids(res))
	assert.Equal(t, "editor", res.Matches[0].Value)
}

func TestExactTiersFollowTermFields(t *testing.T) {
	s := newStore(t,
		manifest("A.Repo", "Repo", "vcs"),
		manifest("Z.Vcs", "vcs", "vcs"),
	)
	res, err := NewEngine(nil).Search(context.Background(), s, Query{
		Term:  &Term{Value: "vcs", Match: catalog.MatchExact, Fields: []catalog.Field{catalog.FieldTag}},
		Limit: NoLimit,
	})
	require.NoError(t, err)
	// Z.Vcs's name equals the term, but names were not searched.
	assert.Equal(t, []string{"A.Repo", "Z.Vcs"}, ids(res))

	res, err = NewEngine(nil).Search(context.Background(), s, Query{
		Term:  &Term{Value: "vcs", Match: catalog.MatchExact, Fields: []catalog.Field{catalog.FieldTag, catalog.FieldName}},
		Limit: NoLimit,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Z.Vcs", "A.Repo"}, ids(res))
}

func TestLimitTruncates(t *testing.T) {
	s := fixture(t)
	res, err := NewEngine(nil).Search(context.Background(), s, Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 2)
	assert.True(t, res.Truncated)

	res, err = NewEngine(nil).Search(context.Background(), s, Query{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 5)
	assert.False(t, res.Truncated)
}

func TestZeroLimit(t *testing.T) {
	s := fixture(t)
	e := NewEngine(nil)

	res, err := e.Search(context.Background(), s, Query{Term: &Term{Value: "git", Match: catalog.MatchExact}})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.True(t, res.Truncated)

	res, err = e.Search(context.Background(), s, Query{Term: &Term{Value: "nothing-like-this", Match: catalog.MatchExact}})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.False(t, res.Truncated)
}

func TestInvalidQueryFailsImmediately(t *testing.T) {
	s := fixture(t)
	e := NewEngine(nil)
	_, err := e.Search(context.Background(), s, Query{Term: &Term{Value: "x", Match: catalog.MatchType(42)}})
	assert.ErrorIs(t, err, ErrInvalidPredicate)
	_, err = e.Search(context.Background(), s, Query{Filters: []catalog.Predicate{{Field: catalog.FieldTag, Match: catalog.MatchExact}}})
	assert.ErrorIs(t, err, ErrInvalidPredicate)
	_, err = e.Search(context.Background(), s, Query{Term: &Term{Value: "x", Fields: []catalog.Field{"colour"}}})
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}

type stubSource struct {
	name  string
	store Searchable
	err   error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Search(ctx context.Context, q Query) (Result, error) {
	if s.err != nil {
		return Result{}, s.err
	}
	return NewEngine(nil).Search(ctx, s.store, q)
}

func TestAggregateMergesAndDegrades(t *testing.T) {
	a := newStore(t, manifest("Git.Git", "Git"), manifest("Other.App", "Other"))
	b := newStore(t, manifest("Git.Git", "Git"), manifest("Git.Lfs", "Git LFS"))
	broken := errors.New("index is corrupt")

	res, err := Aggregate(context.Background(), []Named{
		stubSource{name: "winget", store: b},
		stubSource{name: "local", store: a},
		stubSource{name: "bad", err: broken},
	}, Query{Term: &Term{Value: "git", Match: catalog.MatchStartsWith}, Limit: NoLimit})
	require.NoError(t, err)

	require.Len(t, res.Matches, 3)
	assert.Equal(t, "Git.Git", res.Matches[0].Manifest.ID)
	assert.Equal(t, "local", res.Matches[0].Source)
	assert.Equal(t, "winget", res.Matches[1].Source)
	assert.Equal(t, "Git.Lfs", res.Matches[2].Manifest.ID)

	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "bad", res.Degraded[0].Source)
	assert.ErrorIs(t, res.Degraded[0].Err, broken)
}

func TestAggregateLimit(t *testing.T) {
	a := newStore(t, manifest("A.One", "One"), manifest("A.Two", "Two"))
	b := newStore(t, manifest("B.One", "One"))

	res, err := Aggregate(context.Background(), []Named{
		stubSource{name: "a", store: a},
		stubSource{name: "b", store: b},
	}, Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"A.One", "A.Two"}, ids(res))
	assert.True(t, res.Truncated)

	res, err = Aggregate(context.Background(), []Named{stubSource{name: "a", store: a}}, Query{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.True(t, res.Truncated)
}
