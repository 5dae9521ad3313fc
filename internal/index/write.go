package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/catalog"
)

// update applies fn to a copy of the store and swaps the copy in with the
// content checksum refreshed. Readers already in a transaction keep the
// generation they started on, and the writer never waits for them. Nothing
// is visible unless fn and the checksum both succeed.
func (s *Store) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	unlock, err := s.lockWriter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.writable(); err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.%s.tmp", s.path, uuid.NewString())
	swapped := false
	defer func() {
		if !swapped {
			_ = Remove(tmp)
		}
	}()
	if err := snapshotTo(ctx, s.path, tmp); err != nil {
		return err
	}
	if err := applyTo(ctx, tmp, fn); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := publish(tmp, s.path); err != nil {
		return err
	}
	swapped = true
	return nil
}

// writable reports whether the store accepts writes.
func (s *Store) writable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if s.schema < CurrentSchemaVersion {
		return fmt.Errorf("%w: schema %d", ErrNeedsMigration, s.schema)
	}
	return nil
}

// snapshotTo copies the committed state of the store at src into a new file.
func snapshotTo(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	db, err := sql.Open(driverName, src+dsnPragmas)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return classify(err)
	}
	return nil
}

// applyTo runs fn in one transaction against the store file at path.
func applyTo(ctx context.Context, path string, fn func(tx *sql.Tx) error) error {
	db, err := sql.Open(driverName, path+dsnPragmas)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	err = func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return classify(err)
		}
		if err := refreshContentHash(ctx, tx); err != nil {
			return classify(err)
		}
		return classify(tx.Commit())
	}()
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", ErrTransient, cerr)
	}
	return err
}

// UpsertManifest inserts m or replaces the record with the same ID. Records
// are stored normalized: list fields sorted and de-duplicated, versions
// sorted highest first.
func (s *Store) UpsertManifest(ctx context.Context, m catalog.Manifest) error {
	return s.UpsertManifests(ctx, []catalog.Manifest{m})
}

// UpsertManifests writes a batch of manifests in a single transaction.
func (s *Store) UpsertManifests(ctx context.Context, ms []catalog.Manifest) error {
	for i := range ms {
		if err := ms[i].Validate(); err != nil {
			return err
		}
	}
	err := s.update(ctx, func(tx *sql.Tx) error {
		for _, m := range ms {
			if err := writeManifest(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.log.Debug("upserted manifests", zap.Int("count", len(ms)))
	}
	return err
}

// RemoveManifest deletes the record with the given ID.
func (s *Store) RemoveManifest(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		var rowid int64
		err := tx.QueryRowContext(ctx, `SELECT rowid FROM manifests WHERE id = ?`, id).Scan(&rowid)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrManifestNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := deleteChildren(ctx, tx, rowid); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM manifests WHERE rowid = ?`, rowid)
		return err
	})
}

func writeManifest(ctx context.Context, tx *sql.Tx, m catalog.Manifest) error {
	m.Tags = append([]string(nil), m.Tags...)
	m.Commands = append([]string(nil), m.Commands...)
	m.PackageFamilyNames = append([]string(nil), m.PackageFamilyNames...)
	m.ProductCodes = append([]string(nil), m.ProductCodes...)
	m.Versions = append([]catalog.Version(nil), m.Versions...)
	m.Normalize()

	var rowid int64
	err := tx.QueryRowContext(ctx, `SELECT rowid FROM manifests WHERE id = ?`, m.ID).Scan(&rowid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO manifests(id, name, publisher, moniker) VALUES(?, ?, ?, ?)`,
			m.ID, m.Name, m.Publisher, m.Moniker)
		if err != nil {
			return err
		}
		if rowid, err = res.LastInsertId(); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE manifests SET name = ?, publisher = ?, moniker = ? WHERE rowid = ?`,
			m.Name, m.Publisher, m.Moniker, rowid); err != nil {
			return err
		}
		if err := deleteChildren(ctx, tx, rowid); err != nil {
			return err
		}
	}

	lists := []struct {
		table  string
		values []string
	}{
		{"tags", m.Tags},
		{"commands", m.Commands},
		{"package_family_names", m.PackageFamilyNames},
		{"product_codes", m.ProductCodes},
	}
	for _, l := range lists {
		for _, v := range l.values {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+l.table+"(manifest, value) VALUES(?, ?)", rowid, v); err != nil {
				return err
			}
		}
	}

	for _, v := range m.Versions {
		details, err := encodeDetails(v.Details)
		if err != nil {
			return fmt.Errorf("encode details of %s %s: %w", m.ID, v.Version, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO versions(manifest, version, channel, details) VALUES(?, ?, ?, ?)`,
			rowid, v.Version, v.Channel, details)
		if err != nil {
			return err
		}
		vid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for i, in := range v.Installers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO installers(version, ordinal, type, architecture, locale, scope, url, sha256, product_code, package_family_name)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				vid, i, in.Type, in.Architecture, in.Locale, in.Scope, in.URL, in.SHA256,
				in.ProductCode, in.PackageFamilyName); err != nil {
				return err
			}
		}
	}
	return nil
}

func deleteChildren(ctx context.Context, tx *sql.Tx, rowid int64) error {
	stmts := []string{
		`DELETE FROM installers WHERE version IN (SELECT rowid FROM versions WHERE manifest = ?)`,
		`DELETE FROM versions WHERE manifest = ?`,
		`DELETE FROM tags WHERE manifest = ?`,
		`DELETE FROM commands WHERE manifest = ?`,
		`DELETE FROM package_family_names WHERE manifest = ?`,
		`DELETE FROM product_codes WHERE manifest = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, rowid); err != nil {
			return err
		}
	}
	return nil
}

// contentHash is the SHA-256 of every manifest in ID order.
func contentHash(ctx context.Context, q querier) (string, error) {
	r := &reader{q: q}
	ids, err := r.IDs(ctx)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, id := range ids {
		m, err := r.Manifest(ctx, id)
		if err != nil {
			return "", err
		}
		if err := enc.Encode(m); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func refreshContentHash(ctx context.Context, tx *sql.Tx) error {
	h, err := contentHash(ctx, tx)
	if err != nil {
		return err
	}
	return setMeta(ctx, tx, metaContentHash, h)
}

// Replace moves the store file at src over dst under dst's writer lock.
// Open stores on dst see the new file on their next read; readers already in
// a transaction finish on the old one.
func Replace(ctx context.Context, src, dst string) error {
	unlock, err := lockFile(ctx, dst, defaultLockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	return publish(src, dst)
}

// publish renames src over dst. The caller holds dst's writer lock.
func publish(src, dst string) error {
	// A leftover rollback journal belongs to the file being replaced and must
	// not be applied to the new one.
	if err := os.Remove(dst + "-journal"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: cannot replace %s: %w", ErrTransient, dst, err)
	}
	return nil
}

// Remove deletes the store file at path with its journal and lock file.
func Remove(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-journal", path + ".lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
