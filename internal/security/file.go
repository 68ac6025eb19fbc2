package security

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File permission constants
const (
	// PermUserFile is the mode for files the host creates on the user's behalf.
	PermUserFile os.FileMode = 0644

	// PermUserDir is the mode for directories the host creates.
	PermUserDir os.FileMode = 0755
)

// File operation errors
var (
	ErrDurableWriteFailed = errors.New("security: durable write failed")
	ErrFileTooLarge       = errors.New("security: file exceeds maximum size")
)

// WriteFileSync writes data to path in place and flushes it to stable
// storage before closing. An existing file keeps its mode.
func WriteFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: write: %w", ErrDurableWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync: %w", ErrDurableWriteFailed, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrDurableWriteFailed, err)
	}
	return nil
}

// CopyFileSync copies src over dst with a durable write. The destination
// takes the source's permission bits.
func CopyFileSync(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidPath, src)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("%w: copy: %w", ErrDurableWriteFailed, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("%w: sync: %w", ErrDurableWriteFailed, err)
	}
	return out.Close()
}

// ReadHead returns up to n leading bytes of the file at path.
func ReadHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:m], nil
}

// ReadLimited reads the whole file at path, refusing files larger than
// maxBytes.
func ReadLimited(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxBytes)
	}
	if maxBytes <= 0 {
		return io.ReadAll(f)
	}
	return io.ReadAll(io.LimitReader(f, maxBytes+1))
}

// SetHidden marks path hidden where the platform has such an attribute.
// It is a no-op elsewhere.
func SetHidden(path string) error {
	return setHidden(path)
}

// Writable reports whether the current user may write to path.
func Writable(path string) bool {
	return writable(path)
}
