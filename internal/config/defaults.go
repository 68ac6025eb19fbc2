package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "drawhost"

// DataDir returns the directory holding plugins and the settings
// database. DRAWHOST_DATA_DIR overrides the platform default.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/drawhost/
//   - Linux:   $XDG_DATA_HOME/drawhost/ or ~/.local/share/drawhost/
//   - Windows: %APPDATA%\drawhost\
func DataDir() string {
	if dir := os.Getenv("DRAWHOST_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(home, "AppData", "Roaming", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	}
}

// ConfigDir returns the directory searched for config files.
//
// Platform paths:
//   - macOS:   same as DataDir
//   - Linux:   $XDG_CONFIG_HOME/drawhost/ or ~/.config/drawhost/
//   - Windows: same as DataDir
func ConfigDir() string {
	if runtime.GOOS == "linux" || runtime.GOOS == "freebsd" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	}
	return DataDir()
}

// StateDir returns the directory for logs and crash reports.
func StateDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", appName)
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName, "logs")
		}
		return filepath.Join(home, "AppData", "Local", appName, "logs")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "state", appName)
	}
}

// RuntimeDir returns the directory for the host socket.
func RuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName, "run")
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

// AppDir returns the directory of the running executable, which is the
// default protected directory.
func AppDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// SupportedConfigFormats returns the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "yaml", "yml", "json"}
}

// FindConfigFile returns the first config.<ext> in dir, or "".
func FindConfigFile(dir string) string {
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config."+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// EnsureDirectories creates the directories cfg writes into.
func EnsureDirectories(cfg *Config) error {
	dirs := []string{
		filepath.Dir(cfg.Settings.Path),
		filepath.Dir(cfg.IPC.SocketPath),
	}
	if cfg.Plugins.Enabled {
		dirs = append(dirs, cfg.Plugins.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
