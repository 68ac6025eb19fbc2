//go:build linux

package filestore

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

func platformTimes(path string, info os.FileInfo) (ctime, birth time.Time) {
	var sx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_CTIME|unix.STATX_BTIME, &sx)
	if err != nil {
		return info.ModTime(), info.ModTime()
	}
	ctime = time.Unix(sx.Ctime.Sec, int64(sx.Ctime.Nsec))
	birth = ctime
	if sx.Mask&unix.STATX_BTIME != 0 {
		birth = time.Unix(sx.Btime.Sec, int64(sx.Btime.Nsec))
	}
	return ctime, birth
}
