package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation issue.
type ValidationError struct {
	Field   string
	Message string
	// Warning marks issues the host can start with.
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the issue is non-fatal.
func (e *ValidationError) IsWarning() bool { return e.Warning }

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() error { return ErrInvalidConfig }

// Warnings returns only warning-level issues.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if v.Warning {
			out = append(out, v)
		}
	}
	return out
}

// Errors returns only fatal issues.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if !v.Warning {
			out = append(out, v)
		}
	}
	return out
}

// HasErrors reports whether any issue is fatal.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig reports every issue in c, fatal or not.
func ValidateConfig(c *Config) ValidationErrors {
	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validateApp(&c.App)...)
	errs = append(errs, validateFiles(&c.Files)...)
	errs = append(errs, validatePlugins(&c.Plugins)...)
	errs = append(errs, validateRateLimit(&c.RateLimit)...)
	errs = append(errs, validateExport(&c.Export)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	if c.Settings.Path == "" {
		errs = append(errs, *RequiredFieldError("settings.path"))
	}
	return errs
}

func validateApp(a *AppConfig) ValidationErrors {
	var errs ValidationErrors
	if a.TrustedURL == "" {
		errs = append(errs, *RequiredFieldError("app.trusted_url"))
	} else if u, err := url.Parse(a.TrustedURL); err != nil || u.Scheme == "" {
		errs = append(errs, ValidationError{
			Field:   "app.trusted_url",
			Message: fmt.Sprintf("not an absolute URL: %s", a.TrustedURL),
		})
	} else if u.Scheme != "file" && !isLoopbackHost(u.Hostname()) {
		errs = append(errs, ValidationError{
			Field:   "app.trusted_url",
			Message: "trusted URL must be a file URL or a loopback address",
		})
	}

	if a.ProtectedDir == "" {
		errs = append(errs, ValidationError{
			Field:   "app.protected_dir",
			Message: "no protected directory; application files are writable",
			Warning: true,
		})
	} else if _, err := os.Stat(a.ProtectedDir); err != nil {
		errs = append(errs, ValidationError{
			Field:   "app.protected_dir",
			Message: fmt.Sprintf("does not exist: %s", a.ProtectedDir),
			Warning: true,
		})
	}
	return errs
}

func validateFiles(f *FilesConfig) ValidationErrors {
	var errs ValidationErrors
	if f.MaxFileSize < 1 {
		errs = append(errs, *RangeError("files.max_file_size", 1, "any"))
	}
	if f.RetryAttempts < 1 || f.RetryAttempts > 10 {
		errs = append(errs, *RangeError("files.retry_attempts", 1, 10))
	}
	if f.RetryBackoffMs < 0 {
		errs = append(errs, ValidationError{Field: "files.retry_backoff_ms", Message: "cannot be negative"})
	}
	return errs
}

func validatePlugins(p *PluginsConfig) ValidationErrors {
	if p.Enabled && p.Dir == "" {
		return ValidationErrors{{Field: "plugins.dir", Message: "plugin directory is required when plugins are enabled"}}
	}
	return nil
}

func validateRateLimit(r *RateLimitConfig) ValidationErrors {
	var errs ValidationErrors
	if r.MaxCalls < 1 {
		errs = append(errs, *RangeError("ratelimit.max_calls", 1, "any"))
	}
	if r.WindowSec < 1 || r.WindowSec > 3600 {
		errs = append(errs, *RangeError("ratelimit.window_sec", 1, 3600))
	}
	return errs
}

func validateExport(e *ExportConfig) ValidationErrors {
	var errs ValidationErrors
	if e.ShortSettleMs < 0 || e.LongSettleMs < 0 {
		errs = append(errs, ValidationError{Field: "export.settle_ms", Message: "settle delays cannot be negative"})
	}
	if e.AreaThreshold < 0 {
		errs = append(errs, ValidationError{Field: "export.area_threshold", Message: "cannot be negative"})
	}
	if e.RendererCommand == "" {
		errs = append(errs, ValidationError{
			Field:   "export.renderer_command",
			Message: "no renderer configured; exports will fail",
			Warning: true,
		})
	}
	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors
	if i.SocketPath == "" {
		errs = append(errs, *RequiredFieldError("ipc.socket_path"))
	}
	switch strings.ToLower(i.Codec) {
	case "json", "msgpack":
	default:
		errs = append(errs, ValidationError{
			Field:   "ipc.codec",
			Message: fmt.Sprintf("invalid codec: %s (valid: json, msgpack)", i.Codec),
		})
	}
	if i.WebsocketAddr != "" {
		host, _, err := net.SplitHostPort(i.WebsocketAddr)
		if err != nil || !isLoopbackHost(host) {
			errs = append(errs, ValidationError{
				Field:   "ipc.websocket_addr",
				Message: fmt.Sprintf("must be a loopback host:port: %s", i.WebsocketAddr),
			})
		}
	}
	if i.MaxConnections < 1 {
		errs = append(errs, *RangeError("ipc.max_connections", 1, "any"))
	}
	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{Field: "ipc.timeout_sec", Message: "timeout must be at least 1 second"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}
	switch strings.ToLower(l.Output) {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}
	if l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.retention", Message: "max backups and max age cannot be negative"})
	}
	return errs
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RequiredFieldError creates a validation error for a missing field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", min, max)}
}
