package filestore

import (
	"os"
	"time"
)

// Stat is the file metadata returned to the UI surface. MtimeMs doubles as
// the optimistic-concurrency token for Save.
type Stat struct {
	MtimeMs     float64 `json:"mtimeMs" msgpack:"mtimeMs"`
	CtimeMs     float64 `json:"ctimeMs" msgpack:"ctimeMs"`
	BirthtimeMs float64 `json:"birthtimeMs" msgpack:"birthtimeMs"`
	Size        int64   `json:"size" msgpack:"size"`
	Mode        uint32  `json:"mode" msgpack:"mode"`
	IsDir       bool    `json:"isDir" msgpack:"isDir"`
}

func millis(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}

func statPath(path string) (*Stat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	st := &Stat{
		MtimeMs: millis(info.ModTime()),
		Size:    info.Size(),
		Mode:    uint32(info.Mode()),
		IsDir:   info.IsDir(),
	}
	ctime, birth := platformTimes(path, info)
	st.CtimeMs = millis(ctime)
	st.BirthtimeMs = millis(birth)
	return st, nil
}

// StatFile returns the stat of path without any validation. Callers must
// have validated path already.
func StatFile(path string) (*Stat, error) {
	return statPath(path)
}
