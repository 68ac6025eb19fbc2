package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatorOptions configures a FileRotator.
type RotatorOptions struct {
	Path string
	// MaxBytes triggers rotation before a write would exceed it. Zero
	// disables size rotation.
	MaxBytes   int64
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// FileRotator is an io.Writer over a log file that rotates by size and
// at day boundaries. Rotated files are named <base>-<stamp><ext> and
// optionally gzipped.
type FileRotator struct {
	opts RotatorOptions

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	// background compression and pruning
	bg sync.WaitGroup
}

// NewFileRotator opens or creates the log file.
func NewFileRotator(opts RotatorOptions) (*FileRotator, error) {
	if opts.Path == "" {
		return nil, errors.New("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &FileRotator{opts: opts}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	r.opened = time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(next int64) bool {
	if r.size == 0 {
		return false
	}
	if r.opts.MaxBytes > 0 && r.size+next > r.opts.MaxBytes {
		return true
	}
	return r.opened.YearDay() != time.Now().YearDay()
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	name, ext := r.split()
	stamp := time.Now().Format("20060102-150405.000000000")
	rotated := filepath.Join(filepath.Dir(r.opts.Path), name+"-"+stamp+ext)
	if err := os.Rename(r.opts.Path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if r.opts.Compress {
			compress(rotated)
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) split() (name, ext string) {
	base := filepath.Base(r.opts.Path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// prune enforces MaxBackups and MaxAge over rotated files.
func (r *FileRotator) prune() {
	type rotated struct {
		path string
		mod  time.Time
	}
	matches, err := r.Backups()
	if err != nil {
		return
	}
	files := make([]rotated, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, rotated{m, info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	cutoff := time.Now().AddDate(0, 0, -r.opts.MaxAge)
	for i, f := range files {
		tooMany := r.opts.MaxBackups > 0 && i >= r.opts.MaxBackups
		tooOld := r.opts.MaxAge > 0 && f.mod.Before(cutoff)
		if tooMany || tooOld {
			os.Remove(f.path)
		}
	}
}

// Backups lists rotated files, compressed or not.
func (r *FileRotator) Backups() ([]string, error) {
	name, ext := r.split()
	pattern := filepath.Join(filepath.Dir(r.opts.Path), name+"-*"+ext+"*")
	return filepath.Glob(pattern)
}

// Close waits for pending compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()
	r.bg.Wait()
	return err
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
