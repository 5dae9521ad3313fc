package platform

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/logging"
)

var scanResult hook[bool]

// ScanArchive reports whether the archive at path is clean, honouring a
// fixed-result override when present. Without a host anti-malware
// integration any readable file is accepted.
func ScanArchive(_ context.Context, path string) (bool, error) {
	if v, ok := scanResult.get(); ok {
		return v, nil
	}
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Errorf("cannot scan archive %s: %w", path, err)
	}
	logging.Named("platform").Debug("no archive scanner configured; treating as clean", zap.String("path", path))
	return true, nil
}

// SetScanArchiveResultOverride fixes the ScanArchive result; nil clears it.
func SetScanArchiveResultOverride(status *bool) { scanResult.set(status) }

// OverrideScanArchiveResult fixes the result and returns a restore function.
func OverrideScanArchiveResult(status bool) (restore func()) {
	return scanResult.override(status)
}
