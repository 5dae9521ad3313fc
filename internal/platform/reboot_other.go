//go:build !windows

package platform

import (
	"errors"
	"runtime"
)

func initiateReboot() error {
	return errors.New("reboot is not supported on " + runtime.GOOS)
}
