// Package index is the local index store: one SQLite file per source holding
// the source's manifests, versioned by an embedded schema number.
//
// Reads run inside read transactions and see a consistent snapshot. Writes are
// serialised per store, in process by a mutex and across processes by a lock
// file next to the store. Each write is one transaction on a copy of the file
// that then replaces it, as Replace does for a whole new store. A replaced
// file is picked up by the next View on every open Store.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/logging"
)

const (
	driverName = "sqlite"
	dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(1)"

	defaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 50 * time.Millisecond
)

// ErrManifestNotFound is returned when a manifest ID is not in the store.
var ErrManifestNotFound = errors.New("manifest not found")

// ErrNeedsMigration is returned by reads and writes on a store opened
// without migration whose schema is older than CurrentSchemaVersion.
var ErrNeedsMigration = errors.New("index schema needs migration")

// Options tune Open.
type Options struct {
	// NoMigrate leaves an older schema in place; call MigrateSchema before use.
	NoMigrate bool
	// Verify recomputes the content checksum on open.
	Verify bool
	// LockTimeout bounds the wait for the cross-process writer lock.
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithoutMigration opens older stores as they are.
func WithoutMigration() Option { return func(o *Options) { o.NoMigrate = true } }

// WithVerify checks the content checksum during Open.
func WithVerify() Option { return func(o *Options) { o.Verify = true } }

// WithLockTimeout sets how long writers wait for the lock file.
func WithLockTimeout(d time.Duration) Option { return func(o *Options) { o.LockTimeout = d } }

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// Store is an open local index.
type Store struct {
	path string
	opts Options
	log  *zap.Logger

	mu     sync.RWMutex
	db     *sql.DB
	ident  os.FileInfo
	schema int

	writeMu sync.Mutex
}

func buildOptions(opts []Option) Options {
	o := Options{LockTimeout: defaultLockTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Named("index")
	}
	return o
}

// Open opens the store at path. A missing file yields ErrNotFound, a file that
// is not a valid index yields ErrCorrupt and a schema newer than this engine
// yields ErrSchemaTooNew. Older schemas are migrated in place.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	s := &Store{path: path, opts: o, log: o.Logger.With(zap.String("path", path))}

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	db, schema, err := openValidated(ctx, path)
	if err != nil {
		return nil, err
	}
	s.db, s.ident, s.schema = db, fi, schema

	if schema < CurrentSchemaVersion && !o.NoMigrate {
		if err := s.MigrateSchema(ctx, schema, CurrentSchemaVersion); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if o.Verify && s.schema == CurrentSchemaVersion {
		if err := s.Verify(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Create writes a new, empty store at the current schema. It fails if path
// already exists.
func Create(ctx context.Context, path string, opts ...Option) (*Store, error) {
	return createAt(ctx, path, CurrentSchemaVersion, opts...)
}

// createAt builds a store at an older schema; tests use it to exercise
// migrations. Creation is the v1 layout followed by the migration chain.
func createAt(ctx context.Context, path string, schema int, opts ...Option) (*Store, error) {
	if schema < 1 || schema > CurrentSchemaVersion {
		return nil, &SchemaError{Path: path, Found: schema, Expected: CurrentSchemaVersion}
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("cannot create index %s: %w", path, os.ErrExist)
	}
	db, err := sql.Open(driverName, path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("cannot create index %s: %w", path, err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	err = initSchema(ctx, tx, time.Now().UTC().Format(time.RFC3339))
	for v := 1; err == nil && v < schema; v++ {
		err = applyMigration(ctx, tx, v)
	}
	if err == nil {
		err = setMeta(ctx, tx, metaSchemaVersion, strconv.Itoa(schema))
	}
	if err != nil {
		_ = tx.Rollback()
		_ = db.Close()
		_ = os.Remove(path)
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		return nil, classify(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	o := buildOptions(opts)
	return &Store{
		path:   path,
		opts:   o,
		log:    o.Logger.With(zap.String("path", path)),
		db:     db,
		ident:  fi,
		schema: schema,
	}, nil
}

// openValidated opens path and checks the integrity, the format marker and
// the schema version.
func openValidated(ctx context.Context, path string) (*sql.DB, int, error) {
	db, err := sql.Open(driverName, path+dsnPragmas)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	schema, err := validate(ctx, db, path)
	if err != nil {
		_ = db.Close()
		return nil, 0, err
	}
	return db, schema, nil
}

func validate(ctx context.Context, db *sql.DB, path string) (int, error) {
	var check string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&check); err != nil {
		return 0, corruptOr(err)
	}
	if check != "ok" {
		return 0, fmt.Errorf("%w: integrity check: %s", ErrCorrupt, check)
	}
	format, err := getMeta(ctx, db, metaFormat)
	if err != nil {
		return 0, corruptOr(err)
	}
	if format != formatMarker {
		return 0, fmt.Errorf("%w: unexpected format marker %q", ErrCorrupt, format)
	}
	raw, err := getMeta(ctx, db, metaSchemaVersion)
	if err != nil {
		return 0, corruptOr(err)
	}
	schema, err := strconv.Atoi(raw)
	if err != nil || schema < 1 {
		return 0, fmt.Errorf("%w: bad schema version %q", ErrCorrupt, raw)
	}
	if schema > CurrentSchemaVersion {
		return 0, &SchemaError{Path: path, Found: schema, Expected: CurrentSchemaVersion}
	}
	return schema, nil
}

// corruptOr keeps lock and I/O failures retryable and reports anything else
// found while validating as corruption.
func corruptOr(err error) error {
	c := classify(err)
	if IsRetryable(c) || errors.Is(c, ErrCorrupt) {
		return c
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// SchemaVersion returns the schema of the open generation.
func (s *Store) SchemaVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// refresh reopens the store when the file at path is no longer the one held
// open, which happens after Replace.
func (s *Store) refresh(ctx context.Context) error {
	fi, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	s.mu.RLock()
	closed := s.db == nil
	same := s.ident != nil && os.SameFile(s.ident, fi)
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if same {
		return nil
	}

	db, schema, err := openValidated(ctx, s.path)
	if err != nil {
		return err
	}
	if schema != CurrentSchemaVersion {
		_ = db.Close()
		return fmt.Errorf("%w: replacement store has schema %d", ErrCorrupt, schema)
	}

	s.mu.Lock()
	if s.db == nil || (s.ident != nil && os.SameFile(s.ident, fi)) {
		s.mu.Unlock()
		_ = db.Close()
		if s.db == nil {
			return ErrClosed
		}
		return nil
	}
	old := s.db
	s.db, s.ident, s.schema = db, fi, schema
	s.mu.Unlock()
	_ = old.Close()
	s.log.Debug("reopened replaced index")
	return nil
}

// acquire returns the current handle with the read side of mu held.
func (s *Store) acquire(ctx context.Context) (*sql.DB, func(), error) {
	if err := s.refresh(ctx); err != nil {
		return nil, func() {}, err
	}
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, func() {}, ErrClosed
	}
	if s.schema < CurrentSchemaVersion {
		v := s.schema
		s.mu.RUnlock()
		return nil, func() {}, fmt.Errorf("%w: schema %d", ErrNeedsMigration, v)
	}
	return s.db, s.mu.RUnlock, nil
}

// View runs fn against a read transaction. Everything fn reads comes from one
// committed generation of the store.
func (s *Store) View(ctx context.Context, fn func(Reader) error) error {
	db, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&reader{q: tx})
}

// GetManifests returns the manifests matching every predicate, ordered by ID.
func (s *Store) GetManifests(ctx context.Context, preds ...catalog.Predicate) ([]catalog.Manifest, error) {
	var out []catalog.Manifest
	err := s.View(ctx, func(r Reader) error {
		var err error
		out, err = r.GetManifests(ctx, preds...)
		return err
	})
	return out, err
}

// Manifest returns one manifest by ID.
func (s *Store) Manifest(ctx context.Context, id string) (*catalog.Manifest, error) {
	var out *catalog.Manifest
	err := s.View(ctx, func(r Reader) error {
		var err error
		out, err = r.Manifest(ctx, id)
		return err
	})
	return out, err
}

// Count returns the number of manifests.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.View(ctx, func(r Reader) error {
		var err error
		n, err = r.Count(ctx)
		return err
	})
	return n, err
}

// ContentHash returns the stored checksum.
func (s *Store) ContentHash(ctx context.Context) (string, error) {
	var h string
	err := s.View(ctx, func(r Reader) error {
		var err error
		h, err = r.(*reader).meta(ctx, metaContentHash)
		return err
	})
	return h, err
}

// Verify recomputes the content checksum and compares it with the stored one.
func (s *Store) Verify(ctx context.Context) error {
	return s.View(ctx, func(r Reader) error {
		rd := r.(*reader)
		stored, err := rd.meta(ctx, metaContentHash)
		if err != nil {
			return fmt.Errorf("%w: missing content checksum", ErrCorrupt)
		}
		actual, err := contentHash(ctx, rd.q)
		if err != nil {
			return corruptOr(err)
		}
		if stored != actual {
			return fmt.Errorf("%w: content checksum mismatch", ErrCorrupt)
		}
		return nil
	})
}

// lockWriter serialises writers in this process and across processes.
func (s *Store) lockWriter(ctx context.Context) (func(), error) {
	s.writeMu.Lock()
	unlockFile, err := lockFile(ctx, s.path, s.opts.LockTimeout)
	if err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	return func() {
		unlockFile()
		s.writeMu.Unlock()
	}, nil
}

// lockFile takes the lock file guarding writes to the store at path.
func lockFile(ctx context.Context, path string, timeout time.Duration) (func(), error) {
	lockPath := path + ".lock"
	l := flock.New(lockPath)
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	locked, err := l.TryLockContext(lctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: cannot acquire writer lock %s: %w", ErrTransient, lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: writer lock %s is held", ErrTransient, lockPath)
	}
	return func() { _ = l.Unlock() }, nil
}

// MigrateSchema upgrades the store from one schema version to another in a
// single transaction. On failure the store stays at from.
func (s *Store) MigrateSchema(ctx context.Context, from, to int) error {
	if to > CurrentSchemaVersion {
		return &SchemaError{Path: s.path, Found: to, Expected: CurrentSchemaVersion}
	}
	if to < from {
		return fmt.Errorf("cannot migrate index from schema %d down to %d", from, to)
	}
	unlock, err := s.lockWriter(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	raw, err := getMeta(ctx, tx, metaSchemaVersion)
	if err != nil {
		return corruptOr(err)
	}
	if cur, _ := strconv.Atoi(raw); cur != from {
		return fmt.Errorf("cannot migrate index from schema %d: store is at %s", from, raw)
	}
	for v := from; v < to; v++ {
		if err := applyMigration(ctx, tx, v); err != nil {
			return err
		}
	}
	if err := setMeta(ctx, tx, metaSchemaVersion, strconv.Itoa(to)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	s.schema = to
	if fi, err := os.Stat(s.path); err == nil {
		s.ident = fi
	}
	if from != to {
		s.log.Info("migrated index schema", zap.Int("from", from), zap.Int("to", to))
	}
	return nil
}

func applyMigration(ctx context.Context, tx *sql.Tx, from int) error {
	m, ok := migrationFrom(from)
	if !ok {
		return fmt.Errorf("no migration from index schema %d", from)
	}
	if err := m.Apply(ctx, tx); err != nil {
		return fmt.Errorf("migrate index schema %d to %d: %w", from, from+1, classify(err))
	}
	return nil
}
