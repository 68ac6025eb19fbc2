// Package filestore implements durable file persistence for the UI surface:
// verified saves with conflict detection and backups, drafts, and validated
// read/write/delete wrappers.
package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"drawhost/internal/hosterr"
	"drawhost/internal/security"
)

// Sibling file naming.
const (
	markerCurrent = ".$"
	markerLegacy  = "~$"
	draftExt      = ".dtmp"
	backupExt     = ".bkp"
)

// Save retry policy defaults.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 100 * time.Millisecond
)

// Handle identifies the file a call operates on. The store never keeps it.
type Handle struct {
	Path          string `json:"path" msgpack:"path"`
	Encoding      string `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
	DraftFileName string `json:"draftFileName,omitempty" msgpack:"draftFileName,omitempty"`
}

// Options configures a Store.
type Options struct {
	// MaxFileSize caps content and existing targets. Zero uses the
	// validator's limit.
	MaxFileSize int64

	// RetryAttempts is the total number of write attempts per save.
	RetryAttempts int

	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration

	// BackupsEnabled is consulted on every save. Nil means enabled.
	BackupsEnabled func() bool
}

// Store performs validated filesystem operations.
type Store struct {
	validator *security.Validator
	logger    *slog.Logger
	opts      Options

	// readBack and sleep are replaced in tests.
	readBack func(path string) ([]byte, error)
	sleep    func(time.Duration)
}

// New creates a Store guarded by v.
func New(v *security.Validator, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = v.MaxFileSize
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Store{
		validator: v,
		logger:    logger.With("component", "filestore"),
		opts:      opts,
		readBack:  os.ReadFile,
		sleep:     time.Sleep,
	}
}

func (s *Store) backupsEnabled() bool {
	return s.opts.BackupsEnabled == nil || s.opts.BackupsEnabled()
}

func isBinaryEncoding(enc string) bool {
	return strings.EqualFold(enc, "base64")
}

// checkPath rejects empty paths and paths inside the protected directory.
func (s *Store) checkPath(op, path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return hosterr.New(hosterr.SecurityViolation, op, "path must be absolute")
	}
	if !s.validator.IsOutsideProtectedDir(path) {
		return &hosterr.Error{Kind: hosterr.SecurityViolation, Op: op, Path: path, Message: "protected path"}
	}
	return nil
}

// checkContent applies the magic-byte allow-list, the size cap and, for
// textual payloads, the markup-injection patterns.
func (s *Store) checkContent(op, path string, data []byte, text bool) error {
	if !s.validator.ValidateContent(data, s.opts.MaxFileSize) {
		return &hosterr.Error{Kind: hosterr.FileTooLarge, Op: op, Path: path}
	}
	if !security.CheckFileContent(data, "") {
		return &hosterr.Error{Kind: hosterr.FileInvalid, Op: op, Path: path, Message: "unrecognized content"}
	}
	if text && !s.validator.ValidateText(string(data), s.opts.MaxFileSize) {
		return &hosterr.Error{Kind: hosterr.SecurityViolation, Op: op, Path: path, Message: "suspicious content"}
	}
	return nil
}

func (s *Store) checkTarget(op, path string) error {
	if !s.validator.ValidateFileSize(path, s.opts.MaxFileSize) {
		return &hosterr.Error{Kind: hosterr.FileTooLarge, Op: op, Path: path}
	}
	return nil
}

// Save writes data to h.Path. Unless overwrite is set, a prior stat whose
// mtime differs from the file on disk fails with FILE_CONFLICT. When
// backups are enabled the current content is copied to the backup sibling
// first. The write is read back and compared, and retried with linear
// backoff until the attempts are exhausted. It returns the new stat.
func (s *Store) Save(h Handle, data []byte, prior *Stat, overwrite bool) (*Stat, error) {
	const op = "save"
	path := h.Path
	if err := s.checkPath(op, path); err != nil {
		return nil, err
	}
	if err := s.checkContent(op, path, data, !isBinaryEncoding(h.Encoding)); err != nil {
		return nil, err
	}
	if err := s.checkTarget(op, path); err != nil {
		return nil, err
	}

	current, err := statPath(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, hosterr.FromOS(op, path, err)
	}

	if !overwrite && prior != nil && exists && current.MtimeMs != prior.MtimeMs {
		s.logger.Info("save conflict", "path", path, "disk_mtime", current.MtimeMs, "prior_mtime", prior.MtimeMs)
		return nil, &hosterr.Error{Kind: hosterr.FileConflict, Op: op, Path: path}
	}

	if exists && s.backupsEnabled() {
		bkp := BackupPath(path, false)
		if err := security.CopyFileSync(path, bkp); err != nil {
			return nil, hosterr.FromOS(op+" backup", bkp, err)
		}
		s.hide(bkp)
	}

	if err := s.writeVerified(op, path, data); err != nil {
		return nil, err
	}

	legacy := BackupPath(path, true)
	if err := os.Remove(legacy); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("could not remove legacy backup", "path", legacy, "error", err)
	}

	st, err := statPath(path)
	if err != nil {
		return nil, hosterr.FromOS(op, path, err)
	}
	return st, nil
}

// writeVerified performs the durable write and read-back comparison.
func (s *Store) writeVerified(op, path string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			s.sleep(time.Duration(attempt-1) * s.opts.RetryBackoff)
		}

		if err := security.WriteFileSync(path, data, security.PermUserFile); err != nil {
			lastErr = hosterr.FromOS(op, path, err)
			s.logger.Warn("save write failed", "path", path, "attempt", attempt, "error", err)
			continue
		}

		written, err := s.readBack(path)
		if err != nil {
			lastErr = hosterr.FromOS(op, path, err)
			s.logger.Warn("save read-back failed", "path", path, "attempt", attempt, "error", err)
			continue
		}
		if bytes.Equal(written, data) {
			return nil
		}
		lastErr = &hosterr.Error{Kind: hosterr.Unknown, Op: op, Path: path,
			Message: fmt.Sprintf("verification mismatch after %d attempt(s)", attempt)}
		s.logger.Warn("save verification mismatch", "path", path, "attempt", attempt)
	}
	return lastErr
}

// Write stores data at path with the same validation as Save, without
// conflict detection or backup.
func (s *Store) Write(path string, data []byte, encoding string) error {
	const op = "write"
	if err := s.checkPath(op, path); err != nil {
		return err
	}
	if err := s.checkContent(op, path, data, !isBinaryEncoding(encoding)); err != nil {
		return err
	}
	if err := s.checkTarget(op, path); err != nil {
		return err
	}
	if err := security.WriteFileSync(path, data, security.PermUserFile); err != nil {
		return hosterr.FromOS(op, path, err)
	}
	return nil
}

// Read returns the content of path after the protected-dir, size and
// content checks.
func (s *Store) Read(path string) ([]byte, error) {
	const op = "read"
	if err := s.checkPath(op, path); err != nil {
		return nil, err
	}
	if err := s.checkTarget(op, path); err != nil {
		return nil, err
	}
	data, err := security.ReadLimited(path, s.opts.MaxFileSize)
	if err != nil {
		if errors.Is(err, security.ErrFileTooLarge) {
			return nil, &hosterr.Error{Kind: hosterr.FileTooLarge, Op: op, Path: path, Err: err}
		}
		return nil, hosterr.FromOS(op, path, err)
	}
	if !security.CheckFileContent(data, "") {
		return nil, &hosterr.Error{Kind: hosterr.FileInvalid, Op: op, Path: path, Message: "unrecognized content"}
	}
	return data, nil
}

// Delete unlinks path after checking its leading bytes against the
// content allow-list.
func (s *Store) Delete(path string) error {
	const op = "delete"
	if err := s.checkPath(op, path); err != nil {
		return err
	}
	head, err := security.ReadHead(path, 64)
	if err != nil {
		return hosterr.FromOS(op, path, err)
	}
	if !security.CheckFileContent(head, "") {
		return &hosterr.Error{Kind: hosterr.SecurityViolation, Op: op, Path: path, Message: "unrecognized content"}
	}
	if err := os.Remove(path); err != nil {
		return hosterr.FromOS(op, path, err)
	}
	return nil
}

// Stat returns the stat of path.
func (s *Store) Stat(path string) (*Stat, error) {
	const op = "stat"
	if err := s.checkPath(op, path); err != nil {
		return nil, err
	}
	st, err := statPath(path)
	if err != nil {
		return nil, hosterr.FromOS(op, path, err)
	}
	return st, nil
}

// Writable reports whether path may be written by the current user.
func (s *Store) Writable(path string) (bool, error) {
	if err := s.checkPath("writable", path); err != nil {
		return false, err
	}
	return security.Writable(path), nil
}

// Existence is the result of Exists.
type Existence struct {
	Exists bool   `json:"exists" msgpack:"exists"`
	Path   string `json:"path" msgpack:"path"`
}

// Exists joins parts into a path and reports whether it exists.
func (s *Store) Exists(parts ...string) (Existence, error) {
	path := filepath.Join(parts...)
	if err := s.checkPath("exists", path); err != nil {
		return Existence{Path: path}, err
	}
	_, err := os.Stat(path)
	return Existence{Exists: err == nil, Path: path}, nil
}

func (s *Store) hide(path string) {
	if err := security.SetHidden(path); err != nil {
		s.logger.Debug("could not hide file", "path", path, "error", err)
	}
}

// BackupPath returns the backup sibling of path.
func BackupPath(path string, legacy bool) string {
	marker := markerCurrent
	if legacy {
		marker = markerLegacy
	}
	return filepath.Join(filepath.Dir(path), marker+filepath.Base(path)+backupExt)
}
