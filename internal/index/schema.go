package index

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema versions:
// v1: manifests, versions, installers, tags, commands
// v2: package family name and product code tables, installer identity columns
// v3: compressed per-version details and the content checksum
const CurrentSchemaVersion = 3

// formatMarker identifies a pkgidx index file.
const formatMarker = "pkgidx-index"

const (
	metaFormat        = "format"
	metaSchemaVersion = "schema_version"
	metaContentHash   = "content_hash"
	metaCreatedAt     = "created_at"
)

const schemaV1 = `
CREATE TABLE metadata (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE manifests (
	rowid     INTEGER PRIMARY KEY,
	id        TEXT NOT NULL UNIQUE,
	name      TEXT NOT NULL,
	publisher TEXT NOT NULL DEFAULT '',
	moniker   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_manifests_name ON manifests(name COLLATE NOCASE);
CREATE INDEX idx_manifests_moniker ON manifests(moniker COLLATE NOCASE);

CREATE TABLE versions (
	rowid    INTEGER PRIMARY KEY,
	manifest INTEGER NOT NULL,
	version  TEXT NOT NULL,
	channel  TEXT NOT NULL DEFAULT '',
	UNIQUE (manifest, version, channel)
);

CREATE TABLE installers (
	version      INTEGER NOT NULL,
	ordinal      INTEGER NOT NULL,
	type         TEXT NOT NULL DEFAULT '',
	architecture TEXT NOT NULL DEFAULT '',
	locale       TEXT NOT NULL DEFAULT '',
	scope        TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	sha256       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (version, ordinal)
);

CREATE TABLE tags (
	manifest INTEGER NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (manifest, value)
);
CREATE INDEX idx_tags_value ON tags(value COLLATE NOCASE);

CREATE TABLE commands (
	manifest INTEGER NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (manifest, value)
);
CREATE INDEX idx_commands_value ON commands(value COLLATE NOCASE);
`

const schemaV2 = `
CREATE TABLE package_family_names (
	manifest INTEGER NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (manifest, value)
);
CREATE INDEX idx_pfn_value ON package_family_names(value COLLATE NOCASE);

CREATE TABLE product_codes (
	manifest INTEGER NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (manifest, value)
);
CREATE INDEX idx_product_codes_value ON product_codes(value COLLATE NOCASE);

ALTER TABLE installers ADD COLUMN product_code TEXT NOT NULL DEFAULT '';
ALTER TABLE installers ADD COLUMN package_family_name TEXT NOT NULL DEFAULT '';
`

const schemaV3 = `
ALTER TABLE versions ADD COLUMN details BLOB;
`

// migration upgrades a store from From to From+1 inside tx.
type migration struct {
	From  int
	Apply func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{From: 1, Apply: execMigration(schemaV2)},
	{From: 2, Apply: func(ctx context.Context, tx *sql.Tx) error {
		if err := execMigration(schemaV3)(ctx, tx); err != nil {
			return err
		}
		// v2 stores have no checksum yet; seal what is there.
		return refreshContentHash(ctx, tx)
	}},
}

func execMigration(ddl string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, ddl)
		return err
	}
}

func migrationFrom(v int) (migration, bool) {
	for _, m := range migrations {
		if m.From == v {
			return m, true
		}
	}
	return migration{}, false
}

// initSchema writes the v1 layout and metadata. Callers then migrate.
func initSchema(ctx context.Context, tx *sql.Tx, createdAt string) error {
	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("cannot create schema: %w", err)
	}
	for k, v := range map[string]string{
		metaFormat:        formatMarker,
		metaSchemaVersion: "1",
		metaCreatedAt:     createdAt,
	} {
		if err := setMeta(ctx, tx, k, v); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func setMeta(ctx context.Context, tx execer, name, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO metadata(name, value) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("cannot write metadata %s: %w", name, err)
	}
	return nil
}

func getMeta(ctx context.Context, q querier, name string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE name = ?`, name).Scan(&v)
	return v, err
}
