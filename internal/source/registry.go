package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned by Create for unregistered source types.
var ErrUnknownType = errors.New("unknown source type")

// Factory builds a Source for a descriptor.
type Factory func(Descriptor) (Source, error)

var (
	registryMu sync.RWMutex
	builtins   = map[string]Factory{
		TypeDir:   newDirSource,
		TypeIndex: newFileSource,
	}
	registered = map[string]Factory{}
)

// Register installs f for typeName. It shadows a built-in of the same name;
// the latest registration wins.
func Register(typeName string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		delete(registered, typeName)
		return
	}
	registered[typeName] = f
}

// Unregister removes the registration for typeName, restoring the built-in
// factory if there is one.
func Unregister(typeName string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registered, typeName)
}

// OverrideFactory registers f and returns a function that restores whatever
// was registered for typeName before. A nil f drops the registration for the
// duration, as Register does.
func OverrideFactory(typeName string, f Factory) (restore func()) {
	registryMu.Lock()
	prev, had := registered[typeName]
	if f == nil {
		delete(registered, typeName)
	} else {
		registered[typeName] = f
	}
	registryMu.Unlock()
	return func() {
		registryMu.Lock()
		defer registryMu.Unlock()
		if had {
			registered[typeName] = prev
		} else {
			delete(registered, typeName)
		}
	}
}

func lookup(typeName string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if f, ok := registered[typeName]; ok {
		return f, true
	}
	f, ok := builtins[typeName]
	return f, ok
}

// Create builds a source of d.Type. Sources already created are not affected
// by later registry changes.
func Create(d Descriptor) (Source, error) {
	f, ok := lookup(d.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}
	return f(d)
}

// Known reports whether typeName has a factory.
func Known(typeName string) bool {
	_, ok := lookup(typeName)
	return ok
}

// Types lists the type names with a factory, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, m := range []map[string]Factory{builtins, registered} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}
