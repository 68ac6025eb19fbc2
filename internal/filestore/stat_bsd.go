//go:build darwin || freebsd || netbsd

package filestore

import (
	"os"
	"syscall"
	"time"
)

func platformTimes(_ string, info os.FileInfo) (ctime, birth time.Time) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	ctime = time.Unix(sys.Ctimespec.Unix())
	birth = time.Unix(sys.Birthtimespec.Unix())
	return ctime, birth
}
