package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"drawhost/internal/hosterr"
	"drawhost/internal/security"
)

// Draft is one recovered draft of a file.
type Draft struct {
	Data     string  `json:"data" msgpack:"data"`
	Created  float64 `json:"created" msgpack:"created"`
	Modified float64 `json:"modified" msgpack:"modified"`
	Path     string  `json:"path" msgpack:"path"`
}

// DraftPath returns the n-th draft sibling of path. The first draft has no
// numeric suffix.
func DraftPath(path string, n int, legacy bool) string {
	marker := markerCurrent
	if legacy {
		marker = markerLegacy
	}
	suffix := ""
	if n > 0 {
		suffix = "_" + strconv.Itoa(n)
	}
	return filepath.Join(filepath.Dir(path), marker+filepath.Base(path)+suffix+draftExt)
}

// isDraftOf reports whether name is a current-format draft sibling of path.
func isDraftOf(name, path string) bool {
	if filepath.Dir(name) != filepath.Dir(path) {
		return false
	}
	base := filepath.Base(name)
	prefix := markerCurrent + filepath.Base(path)
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, draftExt) {
		return false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(base, prefix), draftExt)
	if middle == "" {
		return true
	}
	n, err := strconv.Atoi(strings.TrimPrefix(middle, "_"))
	return strings.HasPrefix(middle, "_") && err == nil && n > 0
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// nextDraftPath tries suffixes until it finds an unused name.
func nextDraftPath(path string, legacy bool) string {
	for n := 0; ; n++ {
		candidate := DraftPath(path, n, legacy)
		if !exists(candidate) {
			return candidate
		}
	}
}

// SaveDraft writes data to a draft sibling of h.Path and returns its path.
// A draft name carried by the handle is reused when it belongs to the file.
func (s *Store) SaveDraft(h Handle, data []byte) (string, error) {
	const op = "save draft"
	if err := s.checkPath(op, h.Path); err != nil {
		return "", err
	}
	if err := s.checkContent(op, h.Path, data, !isBinaryEncoding(h.Encoding)); err != nil {
		return "", err
	}

	draft := ""
	if h.DraftFileName != "" {
		candidate := h.DraftFileName
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(filepath.Dir(h.Path), candidate)
		}
		if isDraftOf(filepath.Clean(candidate), h.Path) {
			draft = filepath.Clean(candidate)
		}
	}
	if draft == "" {
		draft = nextDraftPath(h.Path, false)
	}

	if err := s.checkTarget(op, draft); err != nil {
		return "", err
	}
	if err := security.WriteFileSync(draft, data, security.PermUserFile); err != nil {
		return "", hosterr.FromOS(op, draft, err)
	}
	s.hide(draft)
	return draft, nil
}

// Drafts lists the drafts of h.Path in suffix order. Legacy drafts are
// renamed to the current scheme first. Unreadable drafts are skipped.
func (s *Store) Drafts(h Handle) ([]Draft, error) {
	const op = "drafts"
	if err := s.checkPath(op, h.Path); err != nil {
		return nil, err
	}
	s.migrateLegacyDrafts(h.Path)

	var drafts []Draft
	for n := 0; ; n++ {
		p := DraftPath(h.Path, n, false)
		st, err := statPath(p)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			s.logger.Warn("skipping draft", "path", p, "error", err)
			continue
		}
		data, err := s.readDraft(p)
		if err != nil {
			s.logger.Warn("skipping draft", "path", p, "error", err)
			continue
		}
		drafts = append(drafts, Draft{
			Data:     string(data),
			Created:  st.CtimeMs,
			Modified: st.MtimeMs,
			Path:     p,
		})
	}
	return drafts, nil
}

func (s *Store) readDraft(path string) ([]byte, error) {
	data, err := security.ReadLimited(path, s.opts.MaxFileSize)
	if err != nil {
		return nil, err
	}
	if !security.CheckFileContent(data, "") {
		return nil, fmt.Errorf("unrecognized draft content")
	}
	return data, nil
}

// migrateLegacyDrafts renames ~$ drafts to free .$ names.
func (s *Store) migrateLegacyDrafts(path string) {
	for n := 0; ; n++ {
		legacy := DraftPath(path, n, true)
		if !exists(legacy) {
			return
		}
		target := nextDraftPath(path, false)
		if err := os.Rename(legacy, target); err != nil {
			s.logger.Warn("could not migrate legacy draft", "path", legacy, "error", err)
			continue
		}
		s.hide(target)
		s.logger.Info("migrated legacy draft", "from", legacy, "to", target)
	}
}
