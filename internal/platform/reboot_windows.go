//go:build windows

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	ewxReboot           = 0x00000002
	ewxRestartApps      = 0x00000040
	shtdnMajorApp       = 0x00040000
	shtdnMinorInstall   = 0x00000002
	shtdnFlagPlanned    = 0x80000000
	seShutdownPrivilege = "SeShutdownPrivilege"
)

func initiateReboot() error {
	if err := enableShutdownPrivilege(); err != nil {
		return err
	}
	reason := uint32(shtdnMajorApp | shtdnMinorInstall | shtdnFlagPlanned)
	if err := windows.ExitWindowsEx(ewxReboot|ewxRestartApps, reason); err != nil {
		return fmt.Errorf("ExitWindowsEx: %w", err)
	}
	return nil
}

func enableShutdownPrivilege() error {
	var token windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &token); err != nil {
		return fmt.Errorf("OpenProcessToken: %w", err)
	}
	defer token.Close()

	var luid windows.LUID
	name, err := windows.UTF16PtrFromString(seShutdownPrivilege)
	if err != nil {
		return err
	}
	if err := windows.LookupPrivilegeValue(nil, name, &luid); err != nil {
		return fmt.Errorf("LookupPrivilegeValue: %w", err)
	}
	tp := windows.Tokenprivileges{PrivilegeCount: 1}
	tp.Privileges[0] = windows.LUIDAndAttributes{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED}
	if err := windows.AdjustTokenPrivileges(token, false, &tp, uint32(unsafe.Sizeof(tp)), nil, nil); err != nil {
		return fmt.Errorf("AdjustTokenPrivileges: %w", err)
	}
	return nil
}
