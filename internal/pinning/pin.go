// Package pinning records user version constraints per (package, source) and
// decides whether an update may proceed under them.
package pinning

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kamusis/pkgidx/internal/version"
)

// ErrInvalidPin is returned for pins that cannot be stored or evaluated.
var ErrInvalidPin = errors.New("invalid pin")

// ErrPinNotFound is returned when removing a pin that does not exist.
var ErrPinNotFound = errors.New("pin not found")

// Kind is the type of a pin.
type Kind int

const (
	// Blocking suppresses installs and upgrades.
	Blocking Kind = iota + 1
	// Gating allows upgrades only within a version range.
	Gating
	// PinnedVersion locks the package to one exact version.
	PinnedVersion
)

var kindNames = map[Kind]string{
	Blocking:      "blocking",
	Gating:        "gating",
	PinnedVersion: "pinned",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a name produced by String back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, v := range kindNames {
		if strings.EqualFold(v, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pin kind %q", ErrInvalidPin, s)
}

// Pin is one stored constraint.
type Pin struct {
	PackageID string
	Source    string
	Kind      Kind
	// Value is the gating range or the pinned version; empty for Blocking.
	Value     string
	DateAdded time.Time
}

// NewBlocking returns a blocking pin.
func NewBlocking(packageID, source string) Pin {
	return Pin{PackageID: packageID, Source: source, Kind: Blocking}
}

// NewGating returns a pin restricting upgrades to versions in rng.
func NewGating(packageID, source, rng string) Pin {
	return Pin{PackageID: packageID, Source: source, Kind: Gating, Value: rng}
}

// NewPinnedVersion returns a pin locking the package to v.
func NewPinnedVersion(packageID, source, v string) Pin {
	return Pin{PackageID: packageID, Source: source, Kind: PinnedVersion, Value: v}
}

// Validate reports pins that are incomplete or carry an unparseable value.
func (p Pin) Validate() error {
	if strings.TrimSpace(p.PackageID) == "" {
		return fmt.Errorf("%w: package id is required", ErrInvalidPin)
	}
	if strings.TrimSpace(p.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidPin)
	}
	switch p.Kind {
	case Blocking:
		if p.Value != "" {
			return fmt.Errorf("%w: blocking pin takes no value", ErrInvalidPin)
		}
	case Gating:
		r, err := version.ParseRange(p.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPin, err)
		}
		if r.IsZero() {
			return fmt.Errorf("%w: gating pin needs a range", ErrInvalidPin)
		}
	case PinnedVersion:
		if strings.TrimSpace(p.Value) == "" {
			return fmt.Errorf("%w: pinned version is required", ErrInvalidPin)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidPin, int(p.Kind))
	}
	return nil
}

func (p Pin) String() string {
	if p.Value == "" {
		return fmt.Sprintf("%s@%s %s", p.PackageID, p.Source, p.Kind)
	}
	return fmt.Sprintf("%s@%s %s %s", p.PackageID, p.Source, p.Kind, p.Value)
}
