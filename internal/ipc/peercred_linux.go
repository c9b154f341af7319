//go:build linux

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"restune/internal/receiver"
)

// peerCredentials reads SO_PEERCRED from a Unix connection.
func peerCredentials(conn net.Conn) (receiver.Credentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return receiver.Credentials{}, fmt.Errorf("unexpected connection type %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return receiver.Credentials{}, fmt.Errorf("syscall conn: %w", err)
	}
	var (
		ucred   *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return receiver.Credentials{}, fmt.Errorf("control socket: %w", err)
	}
	if credErr != nil {
		return receiver.Credentials{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", credErr)
	}
	return receiver.Credentials{PID: int(ucred.Pid), UID: int(ucred.Uid), Verified: true}, nil
}
