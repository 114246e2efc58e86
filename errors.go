package main

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Error taxonomy for the request path. Per-request failures translate to a
// status code at the handler boundary and never tear down shared state.
var (
	// ErrCAKeyUnavailable is reported once at startup when only the CA
	// certificate is present; minting degrades to self-signed leaves.
	ErrCAKeyUnavailable = errors.New("ca private key unavailable")

	ErrKeyGenerationFailed = errors.New("leaf key generation failed")
	ErrSigningFailed       = errors.New("leaf signing failed")

	ErrUpstreamConnect  = errors.New("upstream connect failed")
	ErrUpstreamTLS      = errors.New("upstream tls failed")
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	ErrCacheUnavailable = errors.New("certificate cache unavailable")
)

// statusForUpstreamError maps a forwarding failure to the client-visible
// status code: timeouts become 504, everything else 502.
func statusForUpstreamError(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// isClientDisconnect reports whether the failure is the client going away,
// in which case no response can be written and upstream work is cancelled.
func isClientDisconnect(err error) bool {
	return errors.Is(err, context.Canceled)
}
