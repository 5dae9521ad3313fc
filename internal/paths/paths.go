// Package paths resolves the on-disk locations used by pkgidx.
//
// Every location is addressed by a logical PathName so tests can redirect all
// persistence with Override without touching the real user profile.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PathName identifies a logical location.
type PathName int

const (
	// AppDirectory is the root of all pkgidx state (~/.pkgidx).
	AppDirectory PathName = iota
	// LocalIndexDirectory holds one index file per source.
	LocalIndexDirectory
	// PinningIndex is the shared pinning store file.
	PinningIndex
	// SourceList is the YAML list of registered sources.
	SourceList
	// UserSettings is the YAML user settings file.
	UserSettings
	// DotEnv is the optional .env file.
	DotEnv
)

var names = map[PathName]string{
	AppDirectory:        "AppDirectory",
	LocalIndexDirectory: "LocalIndexDirectory",
	PinningIndex:        "PinningIndex",
	SourceList:          "SourceList",
	UserSettings:        "UserSettings",
	DotEnv:              "DotEnv",
}

func (p PathName) String() string {
	if s, ok := names[p]; ok {
		return s
	}
	return fmt.Sprintf("PathName(%d)", int(p))
}

// HomeEnv overrides the default application directory when set.
const HomeEnv = "PKGIDX_HOME"

var (
	mu        sync.RWMutex
	overrides = map[PathName]string{}
)

// Get returns the absolute path for name. Overrides win over defaults.
func Get(name PathName) (string, error) {
	mu.RLock()
	p, ok := overrides[name]
	mu.RUnlock()
	if ok {
		return p, nil
	}
	return defaultPath(name)
}

// MustGet is Get for callers that cannot proceed without a path.
func MustGet(name PathName) string {
	p, err := Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

func defaultPath(name PathName) (string, error) {
	if name == AppDirectory {
		return appDir()
	}
	base, err := Get(AppDirectory)
	if err != nil {
		return "", err
	}
	switch name {
	case LocalIndexDirectory:
		return filepath.Join(base, "indexes"), nil
	case PinningIndex:
		return filepath.Join(base, "pinning.db"), nil
	case SourceList:
		return filepath.Join(base, "sources.yaml"), nil
	case UserSettings:
		return filepath.Join(base, "settings.yaml"), nil
	case DotEnv:
		return filepath.Join(base, ".env"), nil
	}
	return "", fmt.Errorf("unknown path name %s", name)
}

// appDir returns $PKGIDX_HOME or ~/.pkgidx.
func appDir() (string, error) {
	if v := os.Getenv(HomeEnv); v != "" {
		return filepath.Abs(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".pkgidx"), nil
}

// SetOverride points name at path until cleared.
func SetOverride(name PathName, path string) {
	mu.Lock()
	defer mu.Unlock()
	overrides[name] = path
}

// ClearOverride removes the override for name.
func ClearOverride(name PathName) {
	mu.Lock()
	defer mu.Unlock()
	delete(overrides, name)
}

// ClearOverrides removes every override.
func ClearOverrides() {
	mu.Lock()
	defer mu.Unlock()
	overrides = map[PathName]string{}
}

// Override sets an override and returns a function restoring the previous
// state of name. Pair every call with a deferred restore.
func Override(name PathName, path string) (restore func()) {
	mu.Lock()
	prev, had := overrides[name]
	overrides[name] = path
	mu.Unlock()
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if had {
			overrides[name] = prev
		} else {
			delete(overrides, name)
		}
	}
}

// EnsureDir returns the directory for name, creating it if needed.
func EnsureDir(name PathName) (string, error) {
	p, err := Get(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s directory %s: %w", name, p, err)
	}
	return p, nil
}

// EnsureParent returns the file path for name, creating its parent directory.
func EnsureParent(name PathName) (string, error) {
	p, err := Get(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("cannot create directory for %s: %w", name, err)
	}
	return p, nil
}
