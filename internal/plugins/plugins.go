// Package plugins manages user-installed plugin scripts in a dedicated
// directory. Plugins are copied, listed and removed here but never parsed
// or executed.
package plugins

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"drawhost/internal/hosterr"
	"drawhost/internal/security"
)

// MaxPluginSize bounds an installed plugin.
const MaxPluginSize int64 = 10 * 1024 * 1024

// pluginExt is the only artifact type installed.
const pluginExt = ".js"

// suspiciousCode is logged on install; it never blocks an install.
var suspiciousCode = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bnew\s+Function\s*\(`),
	regexp.MustCompile(`child_process`),
	regexp.MustCompile(`require\s*\(\s*['"](fs|net|os)['"]\s*\)`),
	regexp.MustCompile(`process\.env`),
	regexp.MustCompile(`__proto__`),
}

// Installed describes a completed install.
type Installed struct {
	Name      string `json:"pluginName" msgpack:"pluginName"`
	SourceDir string `json:"selDir" msgpack:"selDir"`
}

// Store is the plugin directory.
type Store struct {
	dir       string
	enabled   atomic.Bool
	validator *security.Validator
	logger    *slog.Logger
}

// New creates a plugin store rooted at dir.
func New(dir string, enabled bool, v *security.Validator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:       filepath.Clean(dir),
		validator: v,
		logger:    logger.With("component", "plugins"),
	}
	s.enabled.Store(enabled)
	return s
}

// Dir returns the plugin directory.
func (s *Store) Dir() string { return s.dir }

// Enabled reports whether plugins are enabled for this process.
func (s *Store) Enabled() bool { return s.enabled.Load() }

// SetEnabled changes the process-wide enable flag.
func (s *Store) SetEnabled(v bool) { s.enabled.Store(v) }

// target resolves name to its confined location in the plugin directory.
func (s *Store) target(name string) (string, bool) {
	p := filepath.Join(s.dir, name)
	if filepath.Dir(p) != s.dir {
		return "", false
	}
	return p, security.Within(p, s.dir)
}

// Install copies the script at source into the plugin directory under its
// sanitized name. Existing plugins are never overwritten.
func (s *Store) Install(source string) (*Installed, error) {
	const op = "install plugin"
	if !s.Enabled() {
		return nil, hosterr.New(hosterr.SecurityViolation, op, "plugins are disabled")
	}
	if security.ContainsTraversal(source) {
		return nil, &hosterr.Error{Kind: hosterr.PathTraversal, Op: op, Path: source}
	}
	if !filepath.IsAbs(source) || !s.validator.IsOutsideProtectedDir(source) {
		return nil, &hosterr.Error{Kind: hosterr.SecurityViolation, Op: op, Path: source}
	}

	info, err := os.Stat(source)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.PluginInstallFailed, op, source, err)
	}
	if !info.Mode().IsRegular() || !strings.EqualFold(filepath.Ext(source), pluginExt) {
		return nil, &hosterr.Error{Kind: hosterr.PluginInstallFailed, Op: op, Path: source, Message: "not a plugin script"}
	}

	name := security.SanitizeFilename(filepath.Base(source))
	dst, ok := s.target(name)
	if !ok {
		return nil, &hosterr.Error{Kind: hosterr.PathTraversal, Op: op, Path: name}
	}

	data, err := security.ReadLimited(source, MaxPluginSize)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.PluginInstallFailed, op, source, err)
	}
	s.scan(name, data)

	if err := os.MkdirAll(s.dir, security.PermUserDir); err != nil {
		return nil, hosterr.Wrap(hosterr.PluginInstallFailed, op, s.dir, err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, security.PermUserFile)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, &hosterr.Error{Kind: hosterr.PluginExists, Op: op, Path: name}
		}
		return nil, hosterr.Wrap(hosterr.PluginInstallFailed, op, dst, err)
	}
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(dst)
		return nil, hosterr.Wrap(hosterr.PluginInstallFailed, op, dst, werr)
	}

	s.logger.Info("plugin installed", "name", name)
	return &Installed{Name: name, SourceDir: filepath.Dir(source)}, nil
}

func (s *Store) scan(name string, data []byte) {
	for _, re := range suspiciousCode {
		if re.Match(data) {
			s.logger.Warn("plugin contains suspicious code", "name", name, "pattern", re.String())
		}
	}
}

// Uninstall removes the named plugin. Absent plugins are ignored.
func (s *Store) Uninstall(name string) error {
	const op = "uninstall plugin"
	if !s.Enabled() {
		return nil
	}
	p, ok := s.target(security.SanitizeFilename(name))
	if !ok {
		return &hosterr.Error{Kind: hosterr.PathTraversal, Op: op, Path: name}
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return hosterr.FromOS(op, p, err)
	}
	return nil
}

// File returns the path of the named plugin if plugins are enabled and it
// exists inside the plugin directory.
func (s *Store) File(name string) (string, bool) {
	if !s.Enabled() || name == "" || name != security.SanitizeFilename(name) {
		return "", false
	}
	p, ok := s.target(name)
	if !ok {
		return "", false
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// List returns the file names directly under the plugin directory.
func (s *Store) List() ([]string, error) {
	if !s.Enabled() {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, hosterr.FromOS("list plugins", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
