//go:build !linux && !darwin

package ipc

import "net"

// VerifyPeerIsCurrentUser cannot read peer credentials on this platform;
// the owner-only socket directory is the only guard.
func VerifyPeerIsCurrentUser(net.Conn) (bool, error) {
	return true, nil
}
