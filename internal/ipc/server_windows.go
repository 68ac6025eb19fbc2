//go:build windows

package ipc

import (
	"net"
	"os"
)

// CleanupSocket removes a stale socket file.
func CleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsSocketListening checks if another host already serves path.
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
