//go:build windows

package filestore

import (
	"os"
	"syscall"
	"time"
)

func platformTimes(_ string, info os.FileInfo) (ctime, birth time.Time) {
	sys, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	birth = time.Unix(0, sys.CreationTime.Nanoseconds())
	return info.ModTime(), birth
}
