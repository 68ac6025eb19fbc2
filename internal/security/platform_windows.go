//go:build windows

package security

import (
	"golang.org/x/sys/windows"
)

func setHidden(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}

func writable(path string) bool {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_READONLY == 0
}

func isPrivileged() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

func tracerAttached() bool {
	return false
}

func disableCoreDumps() error { return nil }

func coreDumpsEnabled() bool { return false }
