//go:build !linux && !darwin && !freebsd && !netbsd && !windows

package filestore

import (
	"os"
	"time"
)

func platformTimes(_ string, info os.FileInfo) (ctime, birth time.Time) {
	return info.ModTime(), info.ModTime()
}
