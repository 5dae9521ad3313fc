// Package source implements named, typed catalogs. Every source owns one local
// index store; source types differ only in how they rebuild it.
package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/paths"
	"github.com/kamusis/pkgidx/internal/pinning"
	"github.com/kamusis/pkgidx/internal/search"
)

var (
	// ErrSourceNotFound is returned for names missing from the source list.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceExists is returned when adding a name that is already taken.
	ErrSourceExists = errors.New("source already exists")
	// ErrNotOpen is returned by queries on a source whose store is not open.
	ErrNotOpen = errors.New("source is not open")
	// ErrInvalidName is returned for names unusable as a file name.
	ErrInvalidName = errors.New("invalid source name")
)

// Descriptor is the persisted description of a source.
type Descriptor struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Arg        string   `yaml:"arg"`
	Data       string   `yaml:"data,omitempty"`
	Identifier string   `yaml:"identifier,omitempty"`
	TrustLevel string   `yaml:"trust_level,omitempty"`
	Explicit   bool     `yaml:"explicit,omitempty"`
	Disabled   bool     `yaml:"disabled,omitempty"`
	Exclude    []string `yaml:"exclude,omitempty"`

	LastSync      time.Time `yaml:"last_sync,omitempty"`
	SchemaVersion int       `yaml:"schema_version,omitempty"`
	// Fingerprint identifies the authoritative data the store was built from.
	Fingerprint string `yaml:"fingerprint,omitempty"`
}

// ValidateName rejects names that cannot name an index file.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, `/\:*?"<>|`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// IndexPath returns the local store file of the named source.
func IndexPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir, err := paths.Get(paths.LocalIndexDirectory)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".db"), nil
}

// UpdateInfo is the answer to an update check for one package.
type UpdateInfo struct {
	PackageID   string
	Installed   string
	Available   string
	Eligibility pinning.Eligibility
}

// Source is a catalog handle.
type Source interface {
	Descriptor() Descriptor
	Name() string
	// Open opens the local store. It returns index.ErrNotFound when the source
	// was never synced.
	Open(ctx context.Context) error
	Search(ctx context.Context, q search.Query) (search.Result, error)
	Details(ctx context.Context, id string) (*catalog.Manifest, error)
	// UpdateCheck reports the version packageID may move to from installed,
	// after applying pins.
	UpdateCheck(ctx context.Context, packageID, installed string) (UpdateInfo, error)
	// Fetch builds a complete store of the source's authoritative data at dst.
	Fetch(ctx context.Context, dst string) error
	Close() error
}

// Fingerprinter is implemented by sources that can cheaply tell whether their
// authoritative data changed since the last sync.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// PinResolver applies pins to an update. *pinning.Store implements it.
type PinResolver interface {
	ResolveUpdateEligibility(ctx context.Context, m *catalog.Manifest, source, installed, target string) (pinning.Eligibility, error)
}

// Base implements everything but Fetch on top of the source's local store.
// Source types embed it.
type Base struct {
	desc   Descriptor
	engine *search.Engine

	mu    sync.RWMutex
	store *index.Store
	pins  PinResolver
}

// NewBase returns a Base for d.
func NewBase(d Descriptor) *Base {
	return &Base{desc: d, engine: search.NewEngine(nil)}
}

func (b *Base) Descriptor() Descriptor { return b.desc }

func (b *Base) Name() string { return b.desc.Name }

// SetPinResolver replaces the process-wide pinning store for UpdateCheck.
func (b *Base) SetPinResolver(p PinResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins = p
}

func (b *Base) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store != nil {
		return nil
	}
	p, err := IndexPath(b.desc.Name)
	if err != nil {
		return err
	}
	st, err := index.Open(ctx, p)
	if err != nil {
		return fmt.Errorf("open source %s: %w", b.desc.Name, err)
	}
	b.store = st
	return nil
}

// Store returns the open store, or nil.
func (b *Base) Store() *index.Store {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store
}

func (b *Base) opened() (*index.Store, error) {
	st := b.Store()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, b.desc.Name)
	}
	return st, nil
}

func (b *Base) Search(ctx context.Context, q search.Query) (search.Result, error) {
	st, err := b.opened()
	if err != nil {
		return search.Result{}, err
	}
	return b.engine.Search(ctx, st, q)
}

func (b *Base) Details(ctx context.Context, id string) (*catalog.Manifest, error) {
	st, err := b.opened()
	if err != nil {
		return nil, err
	}
	return st.Manifest(ctx, id)
}

func (b *Base) UpdateCheck(ctx context.Context, packageID, installed string) (UpdateInfo, error) {
	m, err := b.Details(ctx, packageID)
	if err != nil {
		return UpdateInfo{}, err
	}
	b.mu.RLock()
	pins := b.pins
	b.mu.RUnlock()
	if pins == nil {
		ps, err := pinning.Default(ctx)
		if err != nil {
			return UpdateInfo{}, err
		}
		pins = ps
	}
	e, err := pins.ResolveUpdateEligibility(ctx, m, b.desc.Name, installed, "")
	if err != nil {
		return UpdateInfo{}, err
	}
	info := UpdateInfo{PackageID: m.ID, Installed: installed, Eligibility: e}
	if latest := m.Latest(); latest != nil {
		info.Available = latest.Version
	}
	return info, nil
}

func (b *Base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	return err
}

// buildStore writes ms into a new store at dst.
func buildStore(ctx context.Context, dst string, ms []catalog.Manifest) error {
	st, err := index.Create(ctx, dst)
	if err != nil {
		return err
	}
	if len(ms) > 0 {
		if err := st.UpsertManifests(ctx, ms); err != nil {
			_ = st.Close()
			return err
		}
	}
	return st.Close()
}
