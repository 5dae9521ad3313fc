// Package testhook binds the process-wide overrides of the engine to a test's
// lifetime. Every helper restores the previous state in t.Cleanup.
package testhook

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/paths"
	"github.com/kamusis/pkgidx/internal/pinning"
	"github.com/kamusis/pkgidx/internal/platform"
	"github.com/kamusis/pkgidx/internal/source"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

// AppDir points every derived path at a fresh temporary directory and
// returns it.
func AppDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	Path(t, paths.AppDirectory, dir)
	return dir
}

// Path overrides one path.
func Path(t testing.TB, name paths.PathName, dir string) {
	t.Helper()
	t.Cleanup(paths.Override(name, dir))
}

// Settings substitutes s for the user settings.
func Settings(t testing.TB, s *config.Settings) {
	t.Helper()
	t.Cleanup(config.OverrideUserSettings(s))
}

// PinningIndex moves the process pinning store to a file in a temporary
// directory and returns its path.
func PinningIndex(t testing.TB) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pinning.db")
	t.Cleanup(pinning.OverrideIndexPath(p))
	return p
}

// Factory shadows the source factory for typ.
func Factory(t testing.TB, typ string, f source.Factory) {
	t.Helper()
	t.Cleanup(source.OverrideFactory(typ, f))
}

// Telemetry records events in memory for the rest of the test.
func Telemetry(t testing.TB) *telemetry.Recorder {
	t.Helper()
	r := &telemetry.Recorder{}
	t.Cleanup(telemetry.Override(r))
	return r
}

// Logger sends process logs to the test log.
func Logger(t testing.TB) {
	t.Helper()
	prev := logging.Set(zaptest.NewLogger(t))
	t.Cleanup(func() { logging.Set(prev) })
}

// ScanArchive fixes the archive scanner result.
func ScanArchive(t testing.TB, clean bool) {
	t.Helper()
	t.Cleanup(platform.OverrideScanArchiveResult(clean))
}

// CreateSymlink fixes the symlink creator result.
func CreateSymlink(t testing.TB, ok bool) {
	t.Helper()
	t.Cleanup(platform.OverrideCreateSymlinkResult(ok))
}

// FeatureExists fixes the optional-feature probe.
func FeatureExists(t testing.TB, status uint32) {
	t.Helper()
	t.Cleanup(platform.OverrideDoesFeatureExistResult(status))
}

// EnableFeature fixes the optional-feature enabler.
func EnableFeature(t testing.TB, status uint32) {
	t.Helper()
	t.Cleanup(platform.OverrideEnableFeatureResult(status))
}

// Reboot fixes the reboot initiator result.
func Reboot(t testing.TB, ok bool) {
	t.Helper()
	t.Cleanup(platform.OverrideInitiateRebootResult(ok))
}

// Icons fixes the icon extractor result.
func Icons(t testing.TB, icons []platform.ExtractedIconInfo) {
	t.Helper()
	t.Cleanup(platform.OverrideExtractIconsResult(icons))
}
