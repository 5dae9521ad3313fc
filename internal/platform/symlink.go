package platform

import (
	"os"

	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/logging"
)

var symlinkResult hook[bool]

// CreateSymlink links linkPath to target and reports success.
func CreateSymlink(target, linkPath string) bool {
	if v, ok := symlinkResult.get(); ok {
		return v
	}
	if err := os.Symlink(target, linkPath); err != nil {
		logging.Named("platform").Warn("create symlink failed",
			zap.String("target", target), zap.String("link", linkPath), zap.Error(err))
		return false
	}
	return true
}

// SetCreateSymlinkResultOverride fixes the CreateSymlink result; nil clears it.
func SetCreateSymlinkResultOverride(status *bool) { symlinkResult.set(status) }

// OverrideCreateSymlinkResult fixes the result and returns a restore function.
func OverrideCreateSymlinkResult(status bool) (restore func()) {
	return symlinkResult.override(status)
}
