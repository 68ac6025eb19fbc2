package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation limits.
const (
	// MaxPathLength is the longest path accepted by IsValidPath.
	MaxPathLength = 4096

	// DefaultMaxFileSize caps file and content sizes (100 MB).
	DefaultMaxFileSize int64 = 100 * 1024 * 1024

	// MaxFilenameLength is the rune length SanitizeFilename truncates to.
	MaxFilenameLength = 255

	// UnnamedFilename replaces names that sanitize to nothing.
	UnnamedFilename = "unnamed"
)

// Validation errors
var (
	ErrInvalidPath     = errors.New("security: invalid path")
	ErrPathTraversal   = errors.New("security: path traversal detected")
	ErrProtectedPath   = errors.New("security: path inside protected directory")
	ErrInvalidEncoding = errors.New("security: invalid payload encoding")
)

// suspiciousPatterns are rejected in paths. Matching is case-insensitive.
var suspiciousPatterns = []string{
	"..",
	"<script",
	"javascript:",
	"data:text/html",
}

// contentPatterns are the markup-injection subset of suspiciousPatterns
// applied to text content; ".." is a path-only pattern.
var contentPatterns = suspiciousPatterns[1:]

// Validator decides whether paths and payloads are safe for the host to touch.
// It has no side effects besides logging.
type Validator struct {
	// ProtectedDir is the application's installation directory.
	ProtectedDir string

	// MaxFileSize bounds file sizes and content lengths.
	MaxFileSize int64

	logger *slog.Logger
}

// NewValidator creates a validator guarding protectedDir.
func NewValidator(protectedDir string, maxFileSize int64, logger *slog.Logger) *Validator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	resolved := protectedDir
	if protectedDir != "" {
		resolved = resolvePath(protectedDir)
	}
	return &Validator{
		ProtectedDir: resolved,
		MaxFileSize:  maxFileSize,
		logger:       logger,
	}
}

// stripControl removes control characters from a path.
func stripControl(p string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, p)
}

// resolvePath normalizes p to a clean absolute path, following symlinks of
// the longest existing prefix so links cannot hide the real target.
func resolvePath(p string) string {
	p = stripControl(p)
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}

	existing := abs
	var rest []string
	for {
		real, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{real}, rest...)
			return filepath.Join(parts...)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// isWithin reports whether path equals root or lies beneath it.
func isWithin(path, root string) bool {
	if root == "" {
		return false
	}
	if caseInsensitiveFS() {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Within reports whether path resolves to root or beneath it. Unlike
// IsValidPath it applies no pattern checks to the name.
func Within(path, root string) bool {
	if path == "" || root == "" || len(path) > MaxPathLength {
		return false
	}
	return isWithin(resolvePath(path), resolvePath(root))
}

func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// IsOutsideProtectedDir reports whether path, once resolved, falls outside
// the installation directory. Empty paths are never outside.
func (v *Validator) IsOutsideProtectedDir(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	resolved := resolvePath(path)
	if isWithin(resolved, v.ProtectedDir) {
		v.logger.Warn("path inside protected directory rejected", "path", resolved)
		return false
	}
	return true
}

// ContainsTraversal reports whether p carries a parent-directory segment.
func ContainsTraversal(p string) bool {
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return strings.Contains(strings.ToLower(p), "%2e%2e")
}

// IsValidPath reports whether path is short enough, free of suspicious
// substrings, and resolves under at least one of allowedPrefixes.
func (v *Validator) IsValidPath(path string, allowedPrefixes []string) bool {
	if path == "" || len(path) > MaxPathLength {
		return false
	}
	lower := strings.ToLower(path)
	for _, pattern := range suspiciousPatterns {
		if strings.Contains(lower, pattern) {
			v.logger.Warn("suspicious path pattern rejected", "pattern", pattern)
			return false
		}
	}
	resolved := resolvePath(path)
	for _, prefix := range allowedPrefixes {
		if prefix == "" {
			continue
		}
		if isWithin(resolved, resolvePath(prefix)) {
			return true
		}
	}
	return false
}

// ValidateFileSize reports whether the file at path is absent or no larger
// than maxBytes. A non-positive maxBytes uses the validator's limit.
func (v *Validator) ValidateFileSize(path string, maxBytes int64) bool {
	if maxBytes <= 0 {
		maxBytes = v.MaxFileSize
	}
	info, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	return info.Size() <= maxBytes
}

// ValidateContent checks binary content against the size limit.
func (v *Validator) ValidateContent(content []byte, maxBytes int64) bool {
	if maxBytes <= 0 {
		maxBytes = v.MaxFileSize
	}
	return int64(len(content)) <= maxBytes
}

// ValidateText checks text content against the size limit and the
// markup-injection patterns.
func (v *Validator) ValidateText(content string, maxBytes int64) bool {
	if !v.ValidateContent([]byte(content), maxBytes) {
		return false
	}
	lower := strings.ToLower(content)
	for _, pattern := range contentPatterns {
		if strings.Contains(lower, pattern) {
			v.logger.Warn("suspicious content pattern rejected", "pattern", pattern)
			return false
		}
	}
	return true
}

// SanitizeFilename makes name safe to use as a single path element.
// It is idempotent.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '<', '>', ':', '"', '|', '?', '*':
			return -1
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, name)

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) > MaxFilenameLength {
		cleaned = strings.TrimSpace(string([]rune(cleaned)[:MaxFilenameLength]))
	}
	if strings.Trim(cleaned, ". \t") == "" {
		return UnnamedFilename
	}
	return cleaned
}

// DecodePayload turns a wire payload into bytes. Supported encodings are
// utf8 (default) and base64; text reports whether the payload is textual.
func DecodePayload(data, encoding string) (content []byte, text bool, err error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8":
		return []byte(data), true, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return b, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidEncoding, encoding)
	}
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(content []byte, encoding string) (string, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8":
		return string(content), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(content), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEncoding, encoding)
	}
}
