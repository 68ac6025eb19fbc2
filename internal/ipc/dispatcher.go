package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"drawhost/internal/clipboard"
	"drawhost/internal/desktop"
	"drawhost/internal/export"
	"drawhost/internal/filestore"
	"drawhost/internal/hosterr"
	"drawhost/internal/plugins"
	"drawhost/internal/security"
	"drawhost/internal/settings"
	"drawhost/internal/watcher"
	"drawhost/internal/window"
)

// Peer is one connected UI surface.
type Peer interface {
	ID() string
	// FrameURL is the URL of the frame that sent the traffic.
	FrameURL() string
	WindowID() string
	Push(ev Event) error
}

// Exporter runs an export to completion.
type Exporter interface {
	Export(ctx context.Context, args export.Args) ([]byte, error)
}

// Settings is the subset of the settings store the dispatcher needs.
type Settings interface {
	String(key, def string) string
	Toggle(key string) (bool, error)
}

// Shell performs window-level work the host delegates to the UI shell.
type Shell interface {
	NewWindow(ctx context.Context, from Peer) error
	Command(ctx context.Context, windowID string, cmd ShellCommand) error
	Exit(ctx context.Context) error
}

// Deps are the collaborators of a Dispatcher. All are required.
type Deps struct {
	TrustedURL string
	Validator  *security.Validator
	Limiter    *security.RateLimiter
	Files      *filestore.Store
	Plugins    *plugins.Store
	Clipboard  *clipboard.Bridge
	Windows    *window.Registry
	Desktop    *desktop.Desktop
	Watcher    *watcher.Watcher
	Exporter   Exporter
	Settings   Settings
	Shell      Shell
}

func (d Deps) check() error {
	var missing []string
	if d.TrustedURL == "" {
		missing = append(missing, "TrustedURL")
	}
	for name, v := range map[string]bool{
		"Validator": d.Validator == nil,
		"Limiter":   d.Limiter == nil,
		"Files":     d.Files == nil,
		"Plugins":   d.Plugins == nil,
		"Clipboard": d.Clipboard == nil,
		"Windows":   d.Windows == nil,
		"Desktop":   d.Desktop == nil,
		"Watcher":   d.Watcher == nil,
		"Exporter":  d.Exporter == nil,
		"Settings":  d.Settings == nil,
		"Shell":     d.Shell == nil,
	} {
		if v {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ipc: dispatcher missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type handlerFunc func(ctx context.Context, p Peer, payload []byte) (any, error)

type signalFunc func(ctx context.Context, p Peer, payload []byte) error

// Dispatcher is the single entry point for bridge traffic. Every inbound
// message passes the sender check, then the rate check, then the schema
// gate, before it reaches a handler.
type Dispatcher struct {
	deps    Deps
	trusted string
	schemas *schemaSet
	logger  *slog.Logger

	handlers map[Action]handlerFunc
	signals  map[Action]signalFunc

	mu      sync.Mutex
	windows map[string]*peerWindow
}

// NewDispatcher creates a dispatcher over deps.
func NewDispatcher(deps Deps, logger *slog.Logger) (*Dispatcher, error) {
	if err := deps.check(); err != nil {
		return nil, err
	}
	set, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		deps:    deps,
		trusted: normalizeFrameURL(deps.TrustedURL),
		schemas: set,
		logger:  logger.With("component", "dispatcher"),
		windows: make(map[string]*peerWindow),
	}
	d.handlers = map[Action]handlerFunc{
		ActionSaveFile:         d.saveFile,
		ActionWriteFile:        d.writeFile,
		ActionSaveDraft:        d.saveDraft,
		ActionGetFileDrafts:    d.getFileDrafts,
		ActionReadFile:         d.readFile,
		ActionDeleteFile:       d.deleteFile,
		ActionFileStat:         d.fileStat,
		ActionIsFileWritable:   d.isFileWritable,
		ActionCheckFileExists:  d.checkFileExists,
		ActionShowOpenDialog:   d.showOpenDialog,
		ActionShowSaveDialog:   d.showSaveDialog,
		ActionInstallPlugin:    d.installPlugin,
		ActionUninstallPlugin:  d.uninstallPlugin,
		ActionGetPluginFile:    d.getPluginFile,
		ActionListPlugins:      d.listPlugins,
		ActionIsPluginsEnabled: d.isPluginsEnabled,
		ActionClipboard:        d.clipboardAction,
		ActionWindow:           d.windowAction,
		ActionOpenExternal:     d.openExternal,
		ActionWatchFile:        d.watchFile,
		ActionUnwatchFile:      d.unwatchFile,
		ActionExit:             d.exit,
		ActionIsFullscreen:     d.isFullscreen,
		ActionDirname:          d.dirname,
		ActionDocumentsFolder:  d.documentsFolder,
	}
	d.signals = map[Action]signalFunc{
		SignalNewWindow:         d.newWindow,
		SignalToggleDevTools:    d.shellCommand(SignalToggleDevTools),
		SignalToggleSpellCheck:  d.toggle(settings.KeySpellCheck),
		SignalToggleStoreBackup: d.toggle(settings.KeyStoreBackup),
		SignalToggleFonts:       d.toggle(settings.KeyFontsEnabled),
		SignalToggleFullscreen:  d.shellCommand(SignalToggleFullscreen),
		SignalZoomIn:            d.shellCommand(SignalZoomIn),
		SignalZoomOut:           d.shellCommand(SignalZoomOut),
		SignalResetZoom:         d.shellCommand(SignalResetZoom),
		SignalExport:            d.export,
		SignalWindowState:       d.windowState,
	}
	for a, e := range catalog {
		_, call := d.handlers[a]
		_, sig := d.signals[a]
		if (e.kind == kindCall && !call) || (e.kind == kindSignal && !sig) {
			return nil, fmt.Errorf("ipc: action %q has no handler", a)
		}
	}
	return d, nil
}

// driveSegment matches the drive letter right after a URL scheme.
var driveSegment = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*:/*)([A-Za-z]):`)

// normalizeFrameURL lower-cases a leading drive letter so that
// file:///C:/app and file:///c:/app compare equal.
func normalizeFrameURL(u string) string {
	return driveSegment.ReplaceAllStringFunc(u, strings.ToLower)
}

// Trusted reports whether frameURL belongs to the trusted content.
func (d *Dispatcher) Trusted(frameURL string) bool {
	return frameURL != "" && strings.HasPrefix(normalizeFrameURL(frameURL), d.trusted)
}

// Handle processes one JSON envelope from p. It returns nil for signals,
// which never get a reply.
func (d *Dispatcher) Handle(ctx context.Context, p Peer, payload []byte) *Response {
	var hdr requestHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		d.logger.Warn("malformed envelope", "peer", p.ID())
		return failure(0, hosterr.InvalidRequest)
	}
	entry, known := catalog[hdr.Action]
	signal := known && entry.kind == kindSignal

	reject := func(kind hosterr.Kind) *Response {
		if !signal {
			return failure(hdr.RequestID, kind)
		}
		// An export caller waits for a completion event.
		if hdr.Action == SignalExport {
			if err := exportFailed(p, kind); err != nil {
				d.logger.Debug("push export error", "peer", p.ID(), "error", err)
			}
		}
		return nil
	}

	if !d.Trusted(p.FrameURL()) {
		d.logger.Warn("untrusted sender", "action", string(hdr.Action))
		return reject(hosterr.SecurityViolation)
	}
	if !d.deps.Limiter.Allow(p.FrameURL()) {
		d.logger.Warn("rate limited", "action", string(hdr.Action))
		return reject(hosterr.RateLimited)
	}
	if !known {
		d.logger.Warn("unknown action", "action", string(hdr.Action))
		return failure(hdr.RequestID, hosterr.UnknownAction)
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return reject(hosterr.InvalidRequest)
	}
	if err := d.schemas.validate(entry.schema, doc); err != nil {
		d.logger.Warn("request failed schema", "action", string(hdr.Action))
		return reject(hosterr.InvalidRequest)
	}

	if signal {
		if err := d.signals[hdr.Action](ctx, p, payload); err != nil {
			d.logFailure(hdr.Action, err)
		}
		return nil
	}

	data, err := d.handlers[hdr.Action](ctx, p, payload)
	if err != nil {
		return failure(hdr.RequestID, d.logFailure(hdr.Action, err))
	}
	return success(hdr.RequestID, data)
}

// logFailure records the full error and returns the kind sent to the peer.
func (d *Dispatcher) logFailure(a Action, err error) hosterr.Kind {
	kind := hosterr.KindOf(err)
	d.logger.Error("action failed", "action", string(a), "kind", string(kind), "error", err)
	return kind
}

// Attach registers the window of a newly connected peer and returns the
// geometry it should open with.
func (d *Dispatcher) Attach(p Peer, displays []window.Rect) window.Geometry {
	g := window.Restore(d.deps.Settings.String(settings.KeyLastWindowState, ""), displays)
	pw := newPeerWindow(p, g)
	d.mu.Lock()
	d.windows[p.ID()] = pw
	d.mu.Unlock()
	d.deps.Windows.Register(p.WindowID(), pw, g)
	return g
}

// Detach drops everything owned by p.
func (d *Dispatcher) Detach(p Peer) {
	n := d.deps.Watcher.DropOwner(p.ID())
	d.mu.Lock()
	delete(d.windows, p.ID())
	d.mu.Unlock()
	d.deps.Windows.Remove(p.WindowID())
	d.logger.Debug("peer detached", "peer", p.ID(), "watches", n)
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, hosterr.Wrap(hosterr.InvalidRequest, "decode", "", err)
	}
	return v, nil
}

func decodePayload(op, data, enc string) ([]byte, error) {
	content, _, err := security.DecodePayload(data, enc)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.FileInvalid, op, "", err)
	}
	return content, nil
}

// File operations

func (d *Dispatcher) saveFile(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[saveFileParams](payload)
	if err != nil {
		return nil, err
	}
	enc := req.FileObject.Encoding
	if enc == "" {
		enc = req.DefEnc
	}
	data, err := decodePayload("save", req.Data, enc)
	if err != nil {
		return nil, err
	}
	return d.deps.Files.Save(req.FileObject, data, req.OrigStat, req.Overwrite)
}

func (d *Dispatcher) writeFile(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[writeFileParams](payload)
	if err != nil {
		return nil, err
	}
	data, err := decodePayload("write", req.Data, req.Enc)
	if err != nil {
		return nil, err
	}
	return nil, d.deps.Files.Write(req.Path, data, req.Enc)
}

func (d *Dispatcher) saveDraft(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[saveDraftParams](payload)
	if err != nil {
		return nil, err
	}
	data, err := decodePayload("saveDraft", req.Data, req.FileObject.Encoding)
	if err != nil {
		return nil, err
	}
	return d.deps.Files.SaveDraft(req.FileObject, data)
}

func (d *Dispatcher) getFileDrafts(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[handleParams](payload)
	if err != nil {
		return nil, err
	}
	drafts, err := d.deps.Files.Drafts(req.FileObject)
	if err != nil {
		return nil, err
	}
	if drafts == nil {
		drafts = []filestore.Draft{}
	}
	return drafts, nil
}

func (d *Dispatcher) readFile(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[readFileParams](payload)
	if err != nil {
		return nil, err
	}
	data, err := d.deps.Files.Read(req.Filename)
	if err != nil {
		return nil, err
	}
	out, err := security.EncodePayload(data, req.Encoding)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.FileInvalid, "read", req.Filename, err)
	}
	return out, nil
}

func (d *Dispatcher) deleteFile(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pathParams](payload)
	if err != nil {
		return nil, err
	}
	return nil, d.deps.Files.Delete(req.Path)
}

func (d *Dispatcher) fileStat(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pathParams](payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Files.Stat(req.Path)
}

func (d *Dispatcher) isFileWritable(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pathParams](payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Files.Writable(req.Path)
}

func (d *Dispatcher) checkFileExists(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pathPartsParams](payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Files.Exists(req.PathParts...)
}

// Dialogs

func (d *Dispatcher) showOpenDialog(ctx context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[dialogParams](payload)
	if err != nil {
		return nil, err
	}
	paths, err := d.deps.Desktop.ShowOpenDialog(ctx, desktop.OpenOptions{
		Title:       req.Title,
		DefaultPath: req.DefaultPath,
		Filters:     req.Filters,
		Properties:  req.Properties,
	})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return paths, nil
}

func (d *Dispatcher) showSaveDialog(ctx context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[dialogParams](payload)
	if err != nil {
		return nil, err
	}
	path, err := d.deps.Desktop.ShowSaveDialog(ctx, desktop.SaveOptions{
		Title:       req.Title,
		DefaultPath: req.DefaultPath,
		Filters:     req.Filters,
	})
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	return path, nil
}

// Plugins

func (d *Dispatcher) installPlugin(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pathParams](payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Plugins.Install(req.Path)
}

func (d *Dispatcher) uninstallPlugin(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pluginParams](payload)
	if err != nil {
		return nil, err
	}
	return nil, d.deps.Plugins.Uninstall(req.Plugin)
}

func (d *Dispatcher) getPluginFile(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pluginParams](payload)
	if err != nil {
		return nil, err
	}
	if p, ok := d.deps.Plugins.File(req.Plugin); ok {
		return p, nil
	}
	return nil, nil
}

func (d *Dispatcher) listPlugins(context.Context, Peer, []byte) (any, error) {
	names, err := d.deps.Plugins.List()
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (d *Dispatcher) isPluginsEnabled(context.Context, Peer, []byte) (any, error) {
	return d.deps.Plugins.Enabled(), nil
}

// Clipboard and windows

func (d *Dispatcher) clipboardAction(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[methodParams](payload)
	if err != nil {
		return nil, err
	}
	out, err := d.deps.Clipboard.Do(req.Method, req.Data)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, clipboard.ErrUnknownMethod):
		return nil, hosterr.Wrap(hosterr.InvalidRequest, "clipboard", "", err)
	case errors.Is(err, clipboard.ErrBadImage):
		return nil, hosterr.Wrap(hosterr.FileInvalid, "clipboard", "", err)
	default:
		return nil, hosterr.Wrap(hosterr.Unknown, "clipboard", "", err)
	}
}

func (d *Dispatcher) windowAction(_ context.Context, p Peer, payload []byte) (any, error) {
	req, err := decode[methodParams](payload)
	if err != nil {
		return nil, err
	}
	out, err := d.deps.Windows.Action(p.WindowID(), req.Method)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidRequest, "window", "", err)
	}
	return out, nil
}

func (d *Dispatcher) isFullscreen(_ context.Context, p Peer, _ []byte) (any, error) {
	fs, err := d.deps.Windows.IsFullScreen(p.WindowID())
	if err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidRequest, "window", "", err)
	}
	return fs, nil
}

func (d *Dispatcher) openExternal(ctx context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[urlParams](payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Desktop.OpenExternal(ctx, req.URL), nil
}

// Watches

func (d *Dispatcher) watchFile(_ context.Context, p Peer, payload []byte) (any, error) {
	req, err := decode[pathParams](payload)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(req.Path) || !d.deps.Validator.IsOutsideProtectedDir(req.Path) {
		return nil, &hosterr.Error{Kind: hosterr.SecurityViolation, Op: "watch", Path: req.Path}
	}
	_, err = d.deps.Watcher.Watch(p.ID(), req.Path, func(c watcher.Change) {
		ev := Event{Name: EventFileChanged, Payload: FileChanged{Path: c.Path, Curr: c.Curr, Prev: c.Prev}}
		if err := p.Push(ev); err != nil {
			d.logger.Debug("push failed", "peer", p.ID(), "error", err)
		}
	})
	if err != nil {
		return nil, hosterr.Wrap(hosterr.Unknown, "watch", req.Path, err)
	}
	return nil, nil
}

func (d *Dispatcher) unwatchFile(_ context.Context, p Peer, payload []byte) (any, error) {
	req, err := decode[pathParams](payload)
	if err != nil {
		return nil, err
	}
	d.deps.Watcher.Unwatch(p.ID(), req.Path)
	return nil, nil
}

// Misc

func (d *Dispatcher) exit(ctx context.Context, _ Peer, _ []byte) (any, error) {
	return nil, d.deps.Shell.Exit(ctx)
}

func (d *Dispatcher) dirname(_ context.Context, _ Peer, payload []byte) (any, error) {
	req, err := decode[pathParams](payload)
	if err != nil {
		return nil, err
	}
	return filepath.Dir(req.Path), nil
}

func (d *Dispatcher) documentsFolder(context.Context, Peer, []byte) (any, error) {
	return desktop.DocumentsDir(), nil
}

// Signals

func (d *Dispatcher) newWindow(ctx context.Context, p Peer, _ []byte) error {
	if d.deps.Desktop.ModalOpen() {
		d.logger.Info("new window suppressed while a dialog is open")
		return nil
	}
	return d.deps.Shell.NewWindow(ctx, p)
}

func (d *Dispatcher) shellCommand(a Action) signalFunc {
	return func(ctx context.Context, p Peer, _ []byte) error {
		return d.deps.Shell.Command(ctx, p.WindowID(), ShellCommand{Command: string(a), Window: p.WindowID()})
	}
}

func (d *Dispatcher) toggle(key string) signalFunc {
	return func(_ context.Context, p Peer, _ []byte) error {
		v, err := d.deps.Settings.Toggle(key)
		if err != nil {
			return hosterr.Wrap(hosterr.Unknown, "toggle", "", err)
		}
		return p.Push(Event{Name: EventSettingChanged, Payload: ShellCommand{Command: key, Value: v}})
	}
}

func (d *Dispatcher) export(ctx context.Context, p Peer, payload []byte) error {
	req, err := decode[exportParams](payload)
	if err != nil {
		return exportFailed(p, hosterr.InvalidRequest)
	}
	args := req.Args
	args.Normalize()

	out, err := d.deps.Exporter.Export(ctx, args)
	if err != nil {
		return exportFailed(p, d.logFailure(SignalExport, err))
	}
	var data any = out
	if args.Base64 || args.Format == export.FormatSVG || args.Format == export.FormatXML {
		data = string(out)
	}
	return p.Push(Event{Name: EventExportSuccess, Payload: ExportDone{Format: args.Format, Data: data}})
}

func exportFailed(p Peer, kind hosterr.Kind) error {
	return p.Push(Event{Name: EventExportError, Payload: ErrorPayload{Message: hosterr.UserMessage(kind)}})
}

func (d *Dispatcher) windowState(_ context.Context, p Peer, payload []byte) error {
	req, err := decode[windowStateParams](payload)
	if err != nil {
		return err
	}
	g := req.State
	d.mu.Lock()
	pw := d.windows[p.ID()]
	d.mu.Unlock()
	if pw != nil {
		pw.setState(g.Maximized, g.Fullscreen)
	}
	return d.deps.Windows.Update(p.WindowID(), func(r *window.Record) {
		if g.Size.Width > 0 && g.Size.Height > 0 {
			r.Size = g.Size
		}
		r.Position = g.Position
		r.Maximized = g.Maximized
		r.Fullscreen = g.Fullscreen
	})
}
