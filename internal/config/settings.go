// Package config owns pkgidx configuration: the YAML user settings file, the
// process-wide settings provider, and environment/.env lookups.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kamusis/pkgidx/internal/paths"
)

// SyncSettings controls the source sync coordinator.
type SyncSettings struct {
	StaleAfter   time.Duration `yaml:"stale_after"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SearchSettings controls query defaults.
type SearchSettings struct {
	DefaultLimit int `yaml:"default_limit"`
}

// CorrelationSettings controls installed-program matching.
type CorrelationSettings struct {
	Threshold float64 `yaml:"threshold"`
}

// LoggingSettings controls the process logger.
type LoggingSettings struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// Settings is the in-memory form of settings.yaml.
type Settings struct {
	Sync        SyncSettings        `yaml:"sync"`
	Search      SearchSettings      `yaml:"search"`
	Correlation CorrelationSettings `yaml:"correlation"`
	Logging     LoggingSettings     `yaml:"logging"`
}

// DefaultSettings returns the settings used when settings.yaml is absent.
func DefaultSettings() *Settings {
	return &Settings{
		Sync: SyncSettings{
			StaleAfter:   24 * time.Hour,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
			Timeout:      5 * time.Minute,
		},
		Search:      SearchSettings{DefaultLimit: 50},
		Correlation: CorrelationSettings{Threshold: 0.8},
		Logging:     LoggingSettings{Level: "warn"},
	}
}

// fillDefaults replaces zero values with defaults so a partial file works.
func (s *Settings) fillDefaults() {
	d := DefaultSettings()
	if s.Sync.StaleAfter <= 0 {
		s.Sync.StaleAfter = d.Sync.StaleAfter
	}
	if s.Sync.MaxRetries < 0 {
		s.Sync.MaxRetries = 0
	}
	if s.Sync.RetryBackoff <= 0 {
		s.Sync.RetryBackoff = d.Sync.RetryBackoff
	}
	if s.Sync.Timeout <= 0 {
		s.Sync.Timeout = d.Sync.Timeout
	}
	if s.Search.DefaultLimit == 0 {
		s.Search.DefaultLimit = d.Search.DefaultLimit
	}
	if s.Correlation.Threshold <= 0 || s.Correlation.Threshold > 1 {
		s.Correlation.Threshold = d.Correlation.Threshold
	}
	if s.Logging.Level == "" {
		s.Logging.Level = d.Logging.Level
	}
}

// LoadSettings reads settings.yaml. A missing file yields defaults.
func LoadSettings() (*Settings, error) {
	path, err := paths.Get(paths.UserSettings)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("cannot read settings %s: %w", path, err)
	}
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	s.fillDefaults()
	return s, nil
}

// SaveSettings marshals s and writes it to settings.yaml.
func SaveSettings(s *Settings) error {
	path, err := paths.EnsureParent(paths.UserSettings)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("cannot marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write settings %s: %w", path, err)
	}
	return nil
}

var (
	userMu       sync.Mutex
	userLoaded   *Settings
	userOverride *Settings
)

// User returns the process-wide settings: the override when one is set,
// otherwise settings.yaml loaded on first use. Load errors fall back to
// defaults; callers that must surface them use LoadSettings.
func User() *Settings {
	userMu.Lock()
	defer userMu.Unlock()
	if userOverride != nil {
		return userOverride
	}
	if userLoaded == nil {
		s, err := LoadSettings()
		if err != nil {
			s = DefaultSettings()
		}
		userLoaded = s
	}
	return userLoaded
}

// Reload drops the cached settings so the next User call re-reads the file.
func Reload() {
	userMu.Lock()
	defer userMu.Unlock()
	userLoaded = nil
}

// SetUserSettingsOverride substitutes s for the loaded settings. nil clears
// the override and restores the built-in provider.
func SetUserSettingsOverride(s *Settings) {
	userMu.Lock()
	defer userMu.Unlock()
	userOverride = s
}

// OverrideUserSettings installs s and returns a function restoring the
// previous override.
func OverrideUserSettings(s *Settings) (restore func()) {
	userMu.Lock()
	prev := userOverride
	userOverride = s
	userMu.Unlock()
	return func() { SetUserSettingsOverride(prev) }
}
