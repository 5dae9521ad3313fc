package platform

import (
	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/logging"
)

var rebootResult hook[bool]

// InitiateReboot asks the host to restart and reports whether it accepted.
func InitiateReboot() bool {
	if v, ok := rebootResult.get(); ok {
		return v
	}
	if err := initiateReboot(); err != nil {
		logging.Named("platform").Warn("initiate reboot failed", zap.Error(err))
		return false
	}
	return true
}

// SetInitiateRebootResultOverride fixes InitiateReboot; nil clears it.
func SetInitiateRebootResultOverride(status *bool) { rebootResult.set(status) }

// OverrideInitiateRebootResult fixes the result and returns a restore function.
func OverrideInitiateRebootResult(status bool) (restore func()) {
	return rebootResult.override(status)
}
