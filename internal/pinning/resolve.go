package pinning

import (
	"context"
	"fmt"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/version"
)

// Status is the outcome of an eligibility check.
type Status int

const (
	Allowed Status = iota
	Blocked
	GatedTo
)

func (s Status) String() string {
	switch s {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case GatedTo:
		return "gated"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Eligibility says whether an update may proceed.
type Eligibility struct {
	Status Status
	// Version is the version the update may move to: the target when
	// Allowed, the highest version in the gate when GatedTo, empty when
	// Blocked.
	Version string
	// Pin is the pin that decided the outcome, nil when none applied.
	Pin *Pin
	// Upgrade is set when Version is newer than the installed version.
	Upgrade bool
}

// ResolveUpdateEligibility applies the pin for (m.ID, source) to an update of
// m from installed to target. An empty target means the latest available
// version. The manifest is whatever the caller last read from the source, so
// a concurrent sync can only change the answer on the next call.
func (s *Store) ResolveUpdateEligibility(ctx context.Context, m *catalog.Manifest, source, installed, target string) (Eligibility, error) {
	if m == nil {
		return Eligibility{}, fmt.Errorf("%w: no manifest", ErrInvalidPin)
	}
	pin, ok, err := s.GetPin(ctx, m.ID, source)
	if err != nil {
		return Eligibility{}, err
	}
	var p *Pin
	if ok {
		p = &pin
	}
	return Resolve(p, m, installed, target)
}

// Resolve applies pin to an update of m. It is the storage-free core of
// ResolveUpdateEligibility.
func Resolve(pin *Pin, m *catalog.Manifest, installed, target string) (Eligibility, error) {
	e, err := resolve(pin, m, target)
	if err != nil {
		return Eligibility{}, err
	}
	e.Upgrade = e.Status != Blocked && e.Version != "" &&
		(installed == "" || version.Compare(e.Version, installed) > 0)
	return e, nil
}

func resolve(pin *Pin, m *catalog.Manifest, target string) (Eligibility, error) {
	if target == "" {
		if latest := m.Latest(); latest != nil {
			target = latest.Version
		}
	}
	if pin == nil {
		return Eligibility{Status: Allowed, Version: target}, nil
	}
	switch pin.Kind {
	case Blocking:
		return Eligibility{Status: Blocked, Pin: pin}, nil
	case Gating:
		rng, err := version.ParseRange(pin.Value)
		if err != nil {
			return Eligibility{}, fmt.Errorf("%w: %s: %w", ErrInvalidPin, pin, err)
		}
		if target != "" && rng.ContainsString(target) {
			return Eligibility{Status: Allowed, Version: target, Pin: pin}, nil
		}
		if best, ok := rng.Highest(m.VersionStrings()); ok {
			return Eligibility{Status: GatedTo, Version: best, Pin: pin}, nil
		}
		return Eligibility{Status: Blocked, Pin: pin}, nil
	case PinnedVersion:
		if target != "" && version.Compare(target, pin.Value) == 0 {
			return Eligibility{Status: Allowed, Version: target, Pin: pin}, nil
		}
		return Eligibility{Status: Blocked, Pin: pin}, nil
	}
	return Eligibility{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidPin, int(pin.Kind))
}
