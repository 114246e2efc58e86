//go:build linux || darwin

package main

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseportAvailable() bool {
	return true
}

// listenReuseport binds addr with SO_REUSEPORT set before bind, letting
// sibling processes share the address while the kernel distributes accepted
// connections across them.
func listenReuseport(network, addr string) (net.Listener, error) {
	listenConfig := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			var sockErr error
			controlErr := raw.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	return listenConfig.Listen(context.Background(), network, addr)
}
