// Package desktop wraps the OS integration points used by the boundary:
// file dialogs, the modal-dialog flag, external URL opening and well-known
// folders.
package desktop

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// ErrSchemeNotAllowed is returned for URLs outside the external allow-list.
var ErrSchemeNotAllowed = errors.New("desktop: url scheme not allowed")

// externalSchemes are the URL schemes OpenExternal hands to the OS.
var externalSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"mailto": true,
	"tel":    true,
	"callto": true,
}

// FileFilter restricts a dialog to some extensions.
type FileFilter struct {
	Name       string   `json:"name" msgpack:"name"`
	Extensions []string `json:"extensions" msgpack:"extensions"`
}

// OpenOptions configures an open dialog. Properties follow the usual
// openFile, openDirectory and multiSelections flags.
type OpenOptions struct {
	Title       string       `json:"title,omitempty" msgpack:"title,omitempty"`
	DefaultPath string       `json:"defaultPath,omitempty" msgpack:"defaultPath,omitempty"`
	Filters     []FileFilter `json:"filters,omitempty" msgpack:"filters,omitempty"`
	Properties  []string     `json:"properties,omitempty" msgpack:"properties,omitempty"`
}

// Has reports whether the named property is set.
func (o OpenOptions) Has(prop string) bool {
	for _, p := range o.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// SaveOptions configures a save dialog.
type SaveOptions struct {
	Title       string       `json:"title,omitempty" msgpack:"title,omitempty"`
	DefaultPath string       `json:"defaultPath,omitempty" msgpack:"defaultPath,omitempty"`
	Filters     []FileFilter `json:"filters,omitempty" msgpack:"filters,omitempty"`
}

// Dialogs shows native dialogs. Cancelled dialogs return nil or "".
type Dialogs interface {
	Open(ctx context.Context, opts OpenOptions) ([]string, error)
	Save(ctx context.Context, opts SaveOptions) (string, error)
	Error(title, message string)
}

// Opener hands a URL to the desktop environment.
type Opener interface {
	Open(ctx context.Context, uri string) error
}

// Desktop bundles dialogs and URL opening with the modal flag.
type Desktop struct {
	dialogs Dialogs
	opener  Opener
	modal   atomic.Int32
	logger  *slog.Logger
}

// New creates a Desktop. Nil collaborators use the system implementations.
func New(dialogs Dialogs, opener Opener, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	if dialogs == nil {
		dialogs = SystemDialogs()
	}
	if opener == nil {
		opener = SystemOpener(logger)
	}
	return &Desktop{dialogs: dialogs, opener: opener, logger: logger.With("component", "desktop")}
}

// ModalOpen reports whether a dialog is currently showing.
func (d *Desktop) ModalOpen() bool {
	return d.modal.Load() > 0
}

func (d *Desktop) enterModal() func() {
	d.modal.Add(1)
	return func() { d.modal.Add(-1) }
}

// ShowOpenDialog shows an open dialog with the modal flag set.
func (d *Desktop) ShowOpenDialog(ctx context.Context, opts OpenOptions) ([]string, error) {
	defer d.enterModal()()
	return d.dialogs.Open(ctx, opts)
}

// ShowSaveDialog shows a save dialog with the modal flag set.
func (d *Desktop) ShowSaveDialog(ctx context.Context, opts SaveOptions) (string, error) {
	defer d.enterModal()()
	return d.dialogs.Save(ctx, opts)
}

// ShowError shows a blocking error dialog.
func (d *Desktop) ShowError(title, message string) {
	defer d.enterModal()()
	d.dialogs.Error(title, message)
}

// AllowedExternal reports whether raw may be opened externally.
func AllowedExternal(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return externalSchemes[strings.ToLower(u.Scheme)]
}

// OpenExternal opens raw with the desktop's default handler. It reports
// false for disallowed schemes and opener failures.
func (d *Desktop) OpenExternal(ctx context.Context, raw string) bool {
	if !AllowedExternal(raw) {
		d.logger.Warn("external url rejected", "scheme", schemeOf(raw))
		return false
	}
	if err := d.opener.Open(ctx, strings.TrimSpace(raw)); err != nil {
		d.logger.Warn("open external failed", "error", err)
		return false
	}
	return true
}

func schemeOf(raw string) string {
	if i := strings.Index(raw, ":"); i > 0 && i < 16 {
		return raw[:i]
	}
	return ""
}

// DocumentsDir returns the user's documents folder, falling back to the
// home directory.
func DocumentsDir() string {
	if dir := os.Getenv("XDG_DOCUMENTS_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	docs := filepath.Join(home, "Documents")
	if info, err := os.Stat(docs); err == nil && info.IsDir() {
		return docs
	}
	return home
}
