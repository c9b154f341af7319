//go:build !linux

package ipc

import (
	"net"

	"restune/internal/receiver"
)

func peerCredentials(net.Conn) (receiver.Credentials, error) {
	return receiver.Credentials{}, nil
}
