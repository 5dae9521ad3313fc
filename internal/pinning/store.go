package pinning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/paths"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS pins (
	package_id TEXT NOT NULL,
	source     TEXT NOT NULL,
	kind       INTEGER NOT NULL,
	value      TEXT NOT NULL DEFAULT '',
	date_added TEXT NOT NULL,
	PRIMARY KEY (package_id, source)
);
`

// Store is the pinning database. It is safe for concurrent use.
type Store struct {
	path string
	db   *sql.DB
	log  *zap.Logger
}

// Open opens the pinning database at path, creating it on first use.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create pinning directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open pinning store %s: %w", path, err)
	}
	s := &Store{path: path, db: db, log: logging.Named("pinning").With(zap.String("path", path))}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return fmt.Errorf("cannot read pinning store %s: %w", s.path, err)
	}
	if v > schemaVersion {
		return fmt.Errorf("pinning store %s has schema %d, engine supports up to %d", s.path, v, schemaVersion)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("cannot create pinning schema: %w", err)
	}
	if v < schemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("cannot set pinning schema version: %w", err)
		}
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// GetPin returns the pin for (packageID, source). ok is false when none exists.
func (s *Store) GetPin(ctx context.Context, packageID, source string) (p Pin, ok bool, err error) {
	var (
		kind  int
		added string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT package_id, source, kind, value, date_added FROM pins WHERE package_id = ? AND source = ?`,
		packageID, source).Scan(&p.PackageID, &p.Source, &kind, &p.Value, &added)
	if errors.Is(err, sql.ErrNoRows) {
		return Pin{}, false, nil
	}
	if err != nil {
		return Pin{}, false, fmt.Errorf("cannot read pin %s@%s: %w", packageID, source, err)
	}
	p.Kind = Kind(kind)
	p.DateAdded, _ = time.Parse(time.RFC3339, added)
	return p, true, nil
}

// SetPin stores p, replacing any pin with the same key.
func (s *Store) SetPin(ctx context.Context, p Pin) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.DateAdded.IsZero() {
		p.DateAdded = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pins(package_id, source, kind, value, date_added) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(package_id, source) DO UPDATE SET
		   kind = excluded.kind, value = excluded.value, date_added = excluded.date_added`,
		p.PackageID, p.Source, int(p.Kind), p.Value, p.DateAdded.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cannot write pin %s: %w", p, err)
	}
	s.log.Debug("pin set", zap.Stringer("pin", p))
	telemetry.Log(telemetry.EventPinChanged, map[string]any{
		"action": "set", "package": p.PackageID, "source": p.Source, "kind": p.Kind.String(),
	})
	return nil
}

// RemovePin deletes the pin for (packageID, source).
func (s *Store) RemovePin(ctx context.Context, packageID, source string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pins WHERE package_id = ? AND source = ?`, packageID, source)
	if err != nil {
		return fmt.Errorf("cannot remove pin %s@%s: %w", packageID, source, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s@%s", ErrPinNotFound, packageID, source)
	}
	telemetry.Log(telemetry.EventPinChanged, map[string]any{
		"action": "remove", "package": packageID, "source": source,
	})
	return nil
}

// ListPins returns the pins of source, or every pin when source is empty,
// ordered by source then package.
func (s *Store) ListPins(ctx context.Context, source string) ([]Pin, error) {
	q := `SELECT package_id, source, kind, value, date_added FROM pins`
	var args []any
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY source, package_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list pins: %w", err)
	}
	defer rows.Close()
	var out []Pin
	for rows.Next() {
		var (
			p     Pin
			kind  int
			added string
		)
		if err := rows.Scan(&p.PackageID, &p.Source, &kind, &p.Value, &added); err != nil {
			return nil, err
		}
		p.Kind = Kind(kind)
		p.DateAdded, _ = time.Parse(time.RFC3339, added)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResetPins removes the pins of source, or all pins when source is empty.
// It returns the number removed.
func (s *Store) ResetPins(ctx context.Context, source string) (int, error) {
	q := `DELETE FROM pins`
	var args []any
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("cannot reset pins: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		telemetry.Log(telemetry.EventPinChanged, map[string]any{
			"action": "reset", "source": source, "count": n,
		})
	}
	return int(n), nil
}

var (
	defaultMu    sync.Mutex
	defaultStore *Store
	pathOverride string
)

// IndexPath returns the pinning database path in effect.
func IndexPath() (string, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return indexPathLocked()
}

func indexPathLocked() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	return paths.Get(paths.PinningIndex)
}

// Default returns the process-wide store, opening it on first use.
func Default(ctx context.Context) (*Store, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore != nil {
		return defaultStore, nil
	}
	p, err := indexPathLocked()
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defaultStore = s
	return s, nil
}

// Shutdown closes the process-wide store. The next Default reopens it.
func Shutdown() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return shutdownLocked()
}

func shutdownLocked() error {
	if defaultStore == nil {
		return nil
	}
	err := defaultStore.Close()
	defaultStore = nil
	return err
}

// SetIndexPathOverride points the process-wide store at path; an empty path
// restores the default location. An open default store is closed.
func SetIndexPathOverride(path string) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	_ = shutdownLocked()
	pathOverride = path
}

// OverrideIndexPath sets the path override and returns a function restoring
// the previous one.
func OverrideIndexPath(path string) (restore func()) {
	defaultMu.Lock()
	prev := pathOverride
	defaultMu.Unlock()
	SetIndexPathOverride(path)
	return func() { SetIndexPathOverride(prev) }
}
