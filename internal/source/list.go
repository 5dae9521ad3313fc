package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/paths"
)

const listLockTimeout = 10 * time.Second

type listFile struct {
	Sources []Descriptor `yaml:"sources"`
}

// List is the persisted set of source descriptors. Mutations hold a lock
// file so concurrent processes do not lose each other's writes.
type List struct {
	path string
}

// NewList returns a list stored at path.
func NewList(path string) *List { return &List{path: path} }

// DefaultList returns the list at the SourceList path.
func DefaultList() (*List, error) {
	p, err := paths.Get(paths.SourceList)
	if err != nil {
		return nil, err
	}
	return NewList(p), nil
}

// Path returns the list file path.
func (l *List) Path() string { return l.path }

// Load returns every descriptor, sorted by name. A missing file is an empty
// list.
func (l *List) Load() ([]Descriptor, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read source list %s: %w", l.path, err)
	}
	var f listFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", l.path, err)
	}
	sort.Slice(f.Sources, func(i, j int) bool { return f.Sources[i].Name < f.Sources[j].Name })
	return f.Sources, nil
}

// Get returns the descriptor named name.
func (l *List) Get(name string) (Descriptor, error) {
	all, err := l.Load()
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range all {
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
}

// Add appends d. The name must be unused and the type registered.
func (l *List) Add(ctx context.Context, d Descriptor) error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if !Known(d.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}
	return l.mutate(ctx, func(all []Descriptor) ([]Descriptor, error) {
		for _, e := range all {
			if e.Name == d.Name {
				return nil, fmt.Errorf("%w: %s", ErrSourceExists, d.Name)
			}
		}
		return append(all, d), nil
	})
}

// Update applies fn to the descriptor named name.
func (l *List) Update(ctx context.Context, name string, fn func(*Descriptor) error) error {
	return l.mutate(ctx, func(all []Descriptor) ([]Descriptor, error) {
		for i := range all {
			if all[i].Name == name {
				if err := fn(&all[i]); err != nil {
					return nil, err
				}
				all[i].Name = name
				return all, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	})
}

// Remove drops the descriptor and deletes the source's local store.
func (l *List) Remove(ctx context.Context, name string) error {
	err := l.mutate(ctx, func(all []Descriptor) ([]Descriptor, error) {
		for i := range all {
			if all[i].Name == name {
				return append(all[:i], all[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	})
	if err != nil {
		return err
	}
	p, err := IndexPath(name)
	if err != nil {
		return err
	}
	return index.Remove(p)
}

func (l *List) mutate(ctx context.Context, fn func([]Descriptor) ([]Descriptor, error)) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("cannot create directory for %s: %w", l.path, err)
	}
	lock := flock.New(l.path + ".lock")
	lctx, cancel := context.WithTimeout(ctx, listLockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lctx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("another process is editing %s: %w", l.path, errors.Join(err, index.ErrTransient))
	}
	defer func() { _ = lock.Unlock() }()

	all, err := l.Load()
	if err != nil {
		return err
	}
	next, err := fn(all)
	if err != nil {
		return err
	}
	return l.save(next)
}

// save writes the list through a temp file and a rename.
func (l *List) save(all []Descriptor) error {
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	data, err := yaml.Marshal(listFile{Sources: all})
	if err != nil {
		return fmt.Errorf("cannot marshal source list: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cannot write source list %s: %w", l.path, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cannot write source list %s: %w", l.path, err)
	}
	return nil
}
