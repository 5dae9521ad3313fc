// Package catalog holds the package manifest model shared by the index,
// search, pinning and correlation layers.
package catalog

import (
	"fmt"
	"strings"

	"github.com/kamusis/pkgidx/internal/version"
)

// Installer describes one installable artifact of a version.
type Installer struct {
	Type              string `yaml:"type" json:"type"`
	Architecture      string `yaml:"architecture" json:"architecture"`
	Locale            string `yaml:"locale,omitempty" json:"locale,omitempty"`
	Scope             string `yaml:"scope,omitempty" json:"scope,omitempty"`
	URL               string `yaml:"url" json:"url"`
	SHA256            string `yaml:"sha256" json:"sha256"`
	ProductCode       string `yaml:"product_code,omitempty" json:"product_code,omitempty"`
	PackageFamilyName string `yaml:"package_family_name,omitempty" json:"package_family_name,omitempty"`
}

// Details is the descriptive part of a version that is not searchable.
type Details struct {
	Description     string `yaml:"description,omitempty" json:"description,omitempty"`
	Homepage        string `yaml:"homepage,omitempty" json:"homepage,omitempty"`
	License         string `yaml:"license,omitempty" json:"license,omitempty"`
	ReleaseNotesURL string `yaml:"release_notes_url,omitempty" json:"release_notes_url,omitempty"`
}

// Version is one installable version of a package.
type Version struct {
	Version    string      `yaml:"version"`
	Channel    string      `yaml:"channel,omitempty"`
	Details    Details     `yaml:",inline"`
	Installers []Installer `yaml:"installers"`
}

// Manifest is the catalog record of one package within one source.
type Manifest struct {
	ID                 string    `yaml:"id"`
	Name               string    `yaml:"name"`
	Publisher          string    `yaml:"publisher"`
	Moniker            string    `yaml:"moniker,omitempty"`
	Tags               []string  `yaml:"tags,omitempty"`
	Commands           []string  `yaml:"commands,omitempty"`
	PackageFamilyNames []string  `yaml:"package_family_names,omitempty"`
	ProductCodes       []string  `yaml:"product_codes,omitempty"`
	Versions           []Version `yaml:"versions"`
}

// Validate checks the fields the index relies on.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest: id is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest %s: name is required", m.ID)
	}
	if len(m.Versions) == 0 {
		return fmt.Errorf("manifest %s: at least one version is required", m.ID)
	}
	seen := make(map[string]bool, len(m.Versions))
	for _, v := range m.Versions {
		if strings.TrimSpace(v.Version) == "" {
			return fmt.Errorf("manifest %s: empty version", m.ID)
		}
		key := v.Version + "\x00" + v.Channel
		if seen[key] {
			return fmt.Errorf("manifest %s: duplicate version %s", m.ID, v.Version)
		}
		seen[key] = true
	}
	return nil
}

// SortVersions orders Versions from highest to lowest.
func (m *Manifest) SortVersions() {
	sortVersions(m.Versions)
}

// VersionStrings returns the version strings, highest first.
func (m *Manifest) VersionStrings() []string {
	out := make([]string, 0, len(m.Versions))
	for _, v := range m.Versions {
		out = append(out, v.Version)
	}
	version.SortDescending(out)
	return out
}

// Latest returns the highest version, or nil for a manifest without versions.
func (m *Manifest) Latest() *Version {
	var best *Version
	for i := range m.Versions {
		if best == nil || version.Compare(m.Versions[i].Version, best.Version) > 0 {
			best = &m.Versions[i]
		}
	}
	return best
}

// FindVersion returns the version equal to v under version ordering.
func (m *Manifest) FindVersion(v string) *Version {
	want := version.Parse(v)
	for i := range m.Versions {
		if version.Parse(m.Versions[i].Version).Equal(want) {
			return &m.Versions[i]
		}
	}
	return nil
}

// Normalize sorts versions and de-duplicates list fields so two manifests with
// the same content compare equal.
func (m *Manifest) Normalize() {
	m.Tags = uniqueSorted(m.Tags)
	m.Commands = uniqueSorted(m.Commands)
	m.PackageFamilyNames = uniqueSorted(m.PackageFamilyNames)
	m.ProductCodes = uniqueSorted(m.ProductCodes)
	m.SortVersions()
}
