// Package hosterr defines the error kinds raised by the privileged host.
//
// Components return *Error values tagged with a Kind. Only the boundary
// dispatcher turns them into wire responses, using UserMessage so that
// internal detail (paths, causes, stacks) never reaches the UI surface.
package hosterr

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Kind classifies an error independently of its Go type.
type Kind string

const (
	FileNotFound        Kind = "FILE_NOT_FOUND"
	FileAccessDenied    Kind = "FILE_ACCESS_DENIED"
	FileTooLarge        Kind = "FILE_TOO_LARGE"
	FileInvalid         Kind = "FILE_INVALID"
	FileConflict        Kind = "FILE_CONFLICT"
	PathTraversal       Kind = "PATH_TRAVERSAL"
	SecurityViolation   Kind = "SECURITY_VIOLATION"
	PluginExists        Kind = "PLUGIN_EXISTS"
	PluginInstallFailed Kind = "PLUGIN_INSTALL_FAILED"
	ExportFailed        Kind = "EXPORT_FAILED"
	RateLimited         Kind = "RATE_LIMITED"
	UnknownAction       Kind = "UNKNOWN_ACTION"
	InvalidRequest      Kind = "INVALID_REQUEST"
	Unknown             Kind = "UNKNOWN_ERROR"
)

// Error is a kind-tagged error with operation context.
type Error struct {
	Kind    Kind
	Op      string
	Path    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	parts = append(parts, msg)

	result := strings.Join(parts, ": ")
	if e.Err != nil {
		result += fmt.Sprintf(": %v", e.Err)
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with a kind. A nil err yields nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// FromOS converts a filesystem error into a kind-tagged error, keeping
// not-found and permission failures distinguishable.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: FileNotFound, Op: op, Path: path, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: FileAccessDenied, Op: op, Path: path, Err: err}
	default:
		return &Error{Kind: Unknown, Op: op, Path: path, Err: err}
	}
}

// KindOf returns the kind of err, or Unknown when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return Unknown
}

// Sentinel returns a comparable value for errors.Is checks by kind.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

var userMessages = map[Kind]string{
	FileNotFound:        "File not found",
	FileAccessDenied:    "Access denied",
	FileTooLarge:        "File is too large",
	FileInvalid:         "Invalid file data",
	FileConflict:        "conflict",
	PathTraversal:       "Invalid path",
	SecurityViolation:   "Operation not permitted",
	PluginExists:        "Plugin already exists",
	PluginInstallFailed: "Plugin installation failed",
	ExportFailed:        "Export failed",
	RateLimited:         "Too many requests",
	UnknownAction:       "Unknown action",
	InvalidRequest:      "Invalid request",
	Unknown:             "An unexpected error occurred",
}

// UserMessage returns the short message shown to the UI surface for kind.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[Unknown]
}
