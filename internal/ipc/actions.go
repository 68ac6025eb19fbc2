package ipc

import (
	"drawhost/internal/desktop"
	"drawhost/internal/export"
	"drawhost/internal/filestore"
	"drawhost/internal/window"
)

// Action names one bridge operation. The set is closed: every value below
// has exactly one catalog entry, and anything else is an unknown action.
type Action string

// Request actions. Each produces exactly one response.
const (
	ActionSaveFile         Action = "saveFile"
	ActionWriteFile        Action = "writeFile"
	ActionSaveDraft        Action = "saveDraft"
	ActionGetFileDrafts    Action = "getFileDrafts"
	ActionReadFile         Action = "readFile"
	ActionDeleteFile       Action = "deleteFile"
	ActionFileStat         Action = "fileStat"
	ActionIsFileWritable   Action = "isFileWritable"
	ActionCheckFileExists  Action = "checkFileExists"
	ActionShowOpenDialog   Action = "showOpenDialog"
	ActionShowSaveDialog   Action = "showSaveDialog"
	ActionInstallPlugin    Action = "installPlugin"
	ActionUninstallPlugin  Action = "uninstallPlugin"
	ActionGetPluginFile    Action = "getPluginFile"
	ActionListPlugins      Action = "listPlugins"
	ActionIsPluginsEnabled Action = "isPluginsEnabled"
	ActionClipboard        Action = "clipboardAction"
	ActionWindow           Action = "windowAction"
	ActionOpenExternal     Action = "openExternal"
	ActionWatchFile        Action = "watchFile"
	ActionUnwatchFile      Action = "unwatchFile"
	ActionExit             Action = "exit"
	ActionIsFullscreen     Action = "isFullscreen"
	ActionDirname          Action = "dirname"
	ActionDocumentsFolder  Action = "getDocumentsFolder"
)

// Signals. Fire-and-forget: they never produce a response. Export reports
// completion through an event instead.
const (
	SignalNewWindow         Action = "newWindow"
	SignalToggleDevTools    Action = "toggleDevTools"
	SignalToggleSpellCheck  Action = "toggleSpellCheck"
	SignalToggleStoreBackup Action = "toggleStoreBackup"
	SignalToggleFonts       Action = "toggleFonts"
	SignalToggleFullscreen  Action = "toggleFullscreen"
	SignalZoomIn            Action = "zoomIn"
	SignalZoomOut           Action = "zoomOut"
	SignalResetZoom         Action = "resetZoom"
	SignalExport            Action = "export"
	SignalWindowState       Action = "windowState"
)

// Events pushed to peers.
const (
	EventFileChanged    = "fileChanged"
	EventExportSuccess  = "exportSuccess"
	EventExportError    = "exportError"
	EventShell          = "shell"
	EventWindow         = "window"
	EventSettingChanged = "settingChanged"
)

// actionKind separates calls from signals.
type actionKind int

const (
	kindCall actionKind = iota
	kindSignal
)

// catalogEntry describes one action: its kind and the embedded schema its
// envelope must satisfy.
type catalogEntry struct {
	kind   actionKind
	schema string
}

// catalog is the closed action set.
var catalog = map[Action]catalogEntry{
	ActionSaveFile:         {kindCall, "saveFile.json"},
	ActionWriteFile:        {kindCall, "writeFile.json"},
	ActionSaveDraft:        {kindCall, "saveDraft.json"},
	ActionGetFileDrafts:    {kindCall, "handle.json"},
	ActionReadFile:         {kindCall, "readFile.json"},
	ActionDeleteFile:       {kindCall, "path.json"},
	ActionFileStat:         {kindCall, "path.json"},
	ActionIsFileWritable:   {kindCall, "path.json"},
	ActionCheckFileExists:  {kindCall, "pathParts.json"},
	ActionShowOpenDialog:   {kindCall, "dialog.json"},
	ActionShowSaveDialog:   {kindCall, "dialog.json"},
	ActionInstallPlugin:    {kindCall, "path.json"},
	ActionUninstallPlugin:  {kindCall, "plugin.json"},
	ActionGetPluginFile:    {kindCall, "plugin.json"},
	ActionListPlugins:      {kindCall, "empty.json"},
	ActionIsPluginsEnabled: {kindCall, "empty.json"},
	ActionClipboard:        {kindCall, "method.json"},
	ActionWindow:           {kindCall, "method.json"},
	ActionOpenExternal:     {kindCall, "url.json"},
	ActionWatchFile:        {kindCall, "path.json"},
	ActionUnwatchFile:      {kindCall, "path.json"},
	ActionExit:             {kindCall, "empty.json"},
	ActionIsFullscreen:     {kindCall, "empty.json"},
	ActionDirname:          {kindCall, "path.json"},
	ActionDocumentsFolder:  {kindCall, "empty.json"},

	SignalNewWindow:         {kindSignal, "signal.json"},
	SignalToggleDevTools:    {kindSignal, "signal.json"},
	SignalToggleSpellCheck:  {kindSignal, "signal.json"},
	SignalToggleStoreBackup: {kindSignal, "signal.json"},
	SignalToggleFonts:       {kindSignal, "signal.json"},
	SignalToggleFullscreen:  {kindSignal, "signal.json"},
	SignalZoomIn:            {kindSignal, "signal.json"},
	SignalZoomOut:           {kindSignal, "signal.json"},
	SignalResetZoom:         {kindSignal, "signal.json"},
	SignalExport:            {kindSignal, "export.json"},
	SignalWindowState:       {kindSignal, "windowState.json"},
}

// Actions lists every call action.
func Actions() []Action {
	return []Action{
		ActionSaveFile, ActionWriteFile, ActionSaveDraft, ActionGetFileDrafts,
		ActionReadFile, ActionDeleteFile, ActionFileStat, ActionIsFileWritable,
		ActionCheckFileExists, ActionShowOpenDialog, ActionShowSaveDialog,
		ActionInstallPlugin, ActionUninstallPlugin, ActionGetPluginFile,
		ActionListPlugins, ActionIsPluginsEnabled, ActionClipboard, ActionWindow,
		ActionOpenExternal, ActionWatchFile, ActionUnwatchFile, ActionExit,
		ActionIsFullscreen, ActionDirname, ActionDocumentsFolder,
	}
}

// Signals lists every signal.
func Signals() []Action {
	return []Action{
		SignalNewWindow, SignalToggleDevTools, SignalToggleSpellCheck,
		SignalToggleStoreBackup, SignalToggleFonts, SignalToggleFullscreen,
		SignalZoomIn, SignalZoomOut, SignalResetZoom, SignalExport, SignalWindowState,
	}
}

// IsSignal reports whether a is a signal.
func (a Action) IsSignal() bool {
	e, ok := catalog[a]
	return ok && e.kind == kindSignal
}

// Known reports whether a is in the catalog.
func (a Action) Known() bool {
	_, ok := catalog[a]
	return ok
}

// Action parameters. Field names are the wire names of the bridge.

type saveFileParams struct {
	FileObject filestore.Handle `json:"fileObject"`
	Data       string           `json:"data"`
	OrigStat   *filestore.Stat  `json:"origStat"`
	Overwrite  bool             `json:"overwrite"`
	DefEnc     string           `json:"defEnc"`
}

type writeFileParams struct {
	Path string `json:"path"`
	Data string `json:"data"`
	Enc  string `json:"enc"`
}

type saveDraftParams struct {
	FileObject filestore.Handle `json:"fileObject"`
	Data       string           `json:"data"`
}

type handleParams struct {
	FileObject filestore.Handle `json:"fileObject"`
}

type readFileParams struct {
	Filename string `json:"filename"`
	Encoding string `json:"encoding"`
}

type pathParams struct {
	Path string `json:"path"`
}

type pathPartsParams struct {
	PathParts []string `json:"pathParts"`
}

type dialogParams struct {
	Title       string               `json:"title"`
	DefaultPath string               `json:"defaultPath"`
	Filters     []desktop.FileFilter `json:"filters"`
	Properties  []string             `json:"properties"`
}

type pluginParams struct {
	Plugin string `json:"plugin"`
}

type methodParams struct {
	Method string `json:"method"`
	Data   string `json:"data"`
}

type urlParams struct {
	URL string `json:"url"`
}

type exportParams struct {
	Args export.Args `json:"args"`
}

type windowStateParams struct {
	State window.Geometry `json:"state"`
}

// FileChanged is the payload of a fileChanged push.
type FileChanged struct {
	Path string         `json:"path" msgpack:"path"`
	Curr filestore.Stat `json:"curr" msgpack:"curr"`
	Prev filestore.Stat `json:"prev" msgpack:"prev"`
}

// ExportDone is the payload of an exportSuccess push. Data is a string for
// text formats and base64 output, bytes otherwise.
type ExportDone struct {
	Format string `json:"format" msgpack:"format"`
	Data   any    `json:"data" msgpack:"data"`
}

// ShellCommand asks the shell peer to act on a window.
type ShellCommand struct {
	Command string `json:"command" msgpack:"command"`
	Window  string `json:"window,omitempty" msgpack:"window,omitempty"`
	Value   any    `json:"value,omitempty" msgpack:"value,omitempty"`
}
