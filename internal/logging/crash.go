package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport describes one recovered panic.
type CrashReport struct {
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version"`
	GOOS         string            `json:"goos"`
	GOARCH       string            `json:"goarch"`
	NumGoroutine int               `json:"num_goroutine"`
	PanicValue   string            `json:"panic_value"`
	StackTrace   string            `json:"stack_trace"`
	Component    string            `json:"component,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	Dir       string
	Version   string
	Component string
	Logger    *slog.Logger

	// OnCrash runs after the report is written and before Exit. The host
	// uses it to show a blocking error dialog.
	OnCrash func(CrashReport)

	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

// CrashHandler turns panics in host goroutines into a crash report, a
// user-visible error and process exit.
type CrashHandler struct {
	mu      sync.Mutex
	dir     string
	version string
	comp    string
	logger  *slog.Logger
	onCrash func(CrashReport)
	exit    func(int)
}

// DefaultCrashDir returns the platform crash report directory.
func DefaultCrashDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "DiagnosticReports", "drawhost")
	default:
		return filepath.Join(filepath.Dir(DefaultLogPath()), "crashes")
	}
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	if cfg.Dir == "" {
		cfg.Dir = DefaultCrashDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &CrashHandler{
		dir:     cfg.Dir,
		version: cfg.Version,
		comp:    cfg.Component,
		logger:  cfg.Logger,
		onCrash: cfg.OnCrash,
		exit:    cfg.Exit,
	}
}

// SetOnCrash replaces the crash hook. The host installs it once the
// dialog service exists.
func (h *CrashHandler) SetOnCrash(fn func(CrashReport)) {
	h.mu.Lock()
	h.onCrash = fn
	h.mu.Unlock()
}

// Recover must be deferred directly at the top of a goroutine.
func (h *CrashHandler) Recover(context map[string]string) {
	if r := recover(); r != nil {
		h.HandlePanic(r, context)
	}
}

// Go runs fn on a new goroutine guarded by Recover.
func (h *CrashHandler) Go(name string, fn func()) {
	go func() {
		defer h.Recover(map[string]string{"goroutine": name})
		fn()
	}()
}

// HandlePanic writes a report for value, runs the crash hook and exits
// with status 1.
func (h *CrashHandler) HandlePanic(value any, context map[string]string) {
	h.mu.Lock()
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Component:    h.comp,
		Context:      context,
	}
	path, err := h.write(report)
	onCrash := h.onCrash
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("crash report not written", "error", err)
	}
	h.logger.Error("host crashed", "panic", report.PanicValue, "report", path)

	if onCrash != nil {
		onCrash(report)
	}
	h.exit(1)
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", err
	}
	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000000000"))
	path := filepath.Join(h.dir, name)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports reads back the stored crash reports.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	reports := make([]CrashReport, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	return reports, nil
}

// Prune removes reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
	return nil
}
