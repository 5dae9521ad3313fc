package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/kamusis/pkgidx/internal/catalog"
)

// Reader is a read-only view of one store generation.
type Reader interface {
	// GetManifests returns manifests matching every predicate, ordered by ID.
	GetManifests(ctx context.Context, preds ...catalog.Predicate) ([]catalog.Manifest, error)
	// Manifests loads the given IDs in the order given, skipping unknown IDs.
	Manifests(ctx context.Context, ids []string) ([]catalog.Manifest, error)
	Manifest(ctx context.Context, id string) (*catalog.Manifest, error)
	// MatchIDs returns the IDs of manifests matching p, ordered by ID.
	MatchIDs(ctx context.Context, p catalog.Predicate) ([]string, error)
	IDs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}

type reader struct {
	q querier
}

// column locates the values of a field: either a manifests column or a
// (manifest, value) side table.
func column(f catalog.Field) (table, col string) {
	switch f {
	case catalog.FieldID:
		return "", "id"
	case catalog.FieldName:
		return "", "name"
	case catalog.FieldMoniker:
		return "", "moniker"
	case catalog.FieldPublisher:
		return "", "publisher"
	case catalog.FieldTag:
		return "tags", "value"
	case catalog.FieldCommand:
		return "commands", "value"
	case catalog.FieldPackageFamilyName:
		return "package_family_names", "value"
	case catalog.FieldProductCode:
		return "product_codes", "value"
	}
	return "", ""
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// condition compiles a match type to a SQL condition on expr.
func condition(expr string, m catalog.MatchType, value string) (string, any) {
	switch m {
	case catalog.MatchExact:
		return expr + " = ?", value
	case catalog.MatchCaseInsensitive:
		return expr + " = ? COLLATE NOCASE", value
	case catalog.MatchStartsWith:
		return expr + ` LIKE ? ESCAPE '\'`, likeEscaper.Replace(value) + "%"
	case catalog.MatchSubstring:
		return expr + ` LIKE ? ESCAPE '\'`, "%" + likeEscaper.Replace(value) + "%"
	}
	return "", nil
}

func (r *reader) MatchIDs(ctx context.Context, p catalog.Predicate) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	table, col := column(p.Field)
	var from, expr string
	if table == "" {
		from, expr = "manifests m", "m."+col
	} else {
		from, expr = "manifests m JOIN "+table+" t ON t.manifest = m.rowid", "t."+col
	}

	if p.Match == catalog.MatchFuzzy {
		return r.fuzzyIDs(ctx, from, expr, p.Value)
	}
	cond, arg := condition(expr, p.Match, p.Value)
	rows, err := r.q.QueryContext(ctx,
		"SELECT DISTINCT m.id FROM "+from+" WHERE "+cond+" ORDER BY m.id", arg)
	if err != nil {
		return nil, classify(err)
	}
	return scanStrings(rows)
}

// fuzzyIDs evaluates fuzzy matches in Go; SQLite has no equivalent operator.
func (r *reader) fuzzyIDs(ctx context.Context, from, expr, value string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT m.id, "+expr+" FROM "+from+" ORDER BY m.id")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var ids, values []string
	for rows.Next() {
		var id, v string
		if err := rows.Scan(&id, &v); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, match := range fuzzy.Find(value, values) {
		id := ids[match.Index]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *reader) IDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id FROM manifests ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	return scanStrings(rows)
}

func (r *reader) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifests`).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *reader) GetManifests(ctx context.Context, preds ...catalog.Predicate) ([]catalog.Manifest, error) {
	for _, p := range preds {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	var ids []string
	var err error
	if len(preds) == 0 {
		ids, err = r.IDs(ctx)
		if err != nil {
			return nil, err
		}
	}
	for i, p := range preds {
		matched, err := r.MatchIDs(ctx, p)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			ids = matched
		} else {
			ids = intersectSorted(ids, matched)
		}
		if len(ids) == 0 {
			return nil, nil
		}
	}
	return r.Manifests(ctx, ids)
}

func (r *reader) Manifests(ctx context.Context, ids []string) ([]catalog.Manifest, error) {
	out := make([]catalog.Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := r.Manifest(ctx, id)
		if errors.Is(err, ErrManifestNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (r *reader) Manifest(ctx context.Context, id string) (*catalog.Manifest, error) {
	var rowid int64
	m := &catalog.Manifest{}
	err := r.q.QueryRowContext(ctx,
		`SELECT rowid, id, name, publisher, moniker FROM manifests WHERE id = ?`, id).
		Scan(&rowid, &m.ID, &m.Name, &m.Publisher, &m.Moniker)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}

	lists := []struct {
		table string
		dst   *[]string
	}{
		{"tags", &m.Tags},
		{"commands", &m.Commands},
		{"package_family_names", &m.PackageFamilyNames},
		{"product_codes", &m.ProductCodes},
	}
	for _, l := range lists {
		if *l.dst, err = r.values(ctx, l.table, rowid); err != nil {
			return nil, err
		}
	}

	if m.Versions, err = r.versions(ctx, rowid); err != nil {
		return nil, err
	}
	m.SortVersions()
	return m, nil
}

func (r *reader) values(ctx context.Context, table string, rowid int64) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT value FROM "+table+" WHERE manifest = ? ORDER BY value", rowid)
	if err != nil {
		return nil, classify(err)
	}
	return scanStrings(rows)
}

func (r *reader) versions(ctx context.Context, manifest int64) ([]catalog.Version, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT rowid, version, channel, details FROM versions WHERE manifest = ?`, manifest)
	if err != nil {
		return nil, classify(err)
	}
	var rowids []int64
	var out []catalog.Version
	for rows.Next() {
		var (
			rowid   int64
			v       catalog.Version
			details []byte
		)
		if err := rows.Scan(&rowid, &v.Version, &v.Channel, &details); err != nil {
			_ = rows.Close()
			return nil, classify(err)
		}
		if v.Details, err = decodeDetails(details); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%w: version %s details: %w", ErrCorrupt, v.Version, err)
		}
		rowids = append(rowids, rowid)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, classify(err)
	}
	_ = rows.Close()

	for i, rowid := range rowids {
		if out[i].Installers, err = r.installers(ctx, rowid); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) installers(ctx context.Context, version int64) ([]catalog.Installer, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT type, architecture, locale, scope, url, sha256, product_code, package_family_name
		 FROM installers WHERE version = ? ORDER BY ordinal`, version)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.Installer
	for rows.Next() {
		var in catalog.Installer
		if err := rows.Scan(&in.Type, &in.Architecture, &in.Locale, &in.Scope,
			&in.URL, &in.SHA256, &in.ProductCode, &in.PackageFamilyName); err != nil {
			return nil, classify(err)
		}
		out = append(out, in)
	}
	return out, classify(rows.Err())
}

func (r *reader) meta(ctx context.Context, name string) (string, error) {
	v, err := getMeta(ctx, r.q, name)
	if err != nil {
		return "", classify(err)
	}
	return v, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, classify(err)
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}

// intersectSorted returns the elements present in both sorted slices.
func intersectSorted(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
