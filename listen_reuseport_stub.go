//go:build !linux && !darwin

package main

import (
	"fmt"
	"net"
	"runtime"
)

func reuseportAvailable() bool {
	return false
}

func listenReuseport(network, addr string) (net.Listener, error) {
	return nil, fmt.Errorf("SO_REUSEPORT is not supported on %s", runtime.GOOS)
}
