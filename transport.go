package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// UpstreamClient is the single process-wide HTTP client every request
// handler shares. Building one per request would discard the connection pool
// on every transaction, so construction happens exactly once during startup.
type UpstreamClient struct {
	client *http.Client
}

func newUpstreamClient(config *Config) (*UpstreamClient, error) {
	rootCAs, err := loadTrustAnchors(config)
	if err != nil {
		return nil, err
	}

	if config.Upstream.SkipCertVerify {
		logger.Warn("upstream certificate verification is DISABLED; use for testing only")
	}

	dialer := &net.Dialer{
		Timeout: config.ConnectTimeout(),
	}

	var roundTripper http.RoundTripper

	if config.Upstream.TLSFingerprint != FingerprintOff {
		roundTripper, err = newMimicRoundTripper(config, rootCAs, dialer)
		if err != nil {
			return nil, err
		}
	} else {
		transport := &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          4 * config.Upstream.MaxIdlePerHost,
			MaxIdleConnsPerHost:   config.Upstream.MaxIdlePerHost,
			IdleConnTimeout:       config.PoolIdleTimeout(),
			TLSHandshakeTimeout:   config.ConnectTimeout(),
			ExpectContinueTimeout: 0,
			ForceAttemptHTTP2:     true,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: config.Upstream.SkipCertVerify,
				RootCAs:            rootCAs,
			},
		}
		if config.Upstream.ProxyURL != "" {
			proxyURL, err := parentProxyURL(config)
			if err != nil {
				return nil, err
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		roundTripper = transport
	}

	return &UpstreamClient{
		client: &http.Client{
			Transport: roundTripper,
			// The proxy relays redirects to the client instead of chasing
			// them itself.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (u *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	return u.client.Do(req)
}

// loadTrustAnchors builds the verification pool: system roots plus any
// configured additional anchors.
func loadTrustAnchors(config *Config) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	for _, path := range config.Upstream.TrustAnchorPaths {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading trust anchor %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in trust anchor %s", path)
		}
	}

	return pool, nil
}

func parentProxyURL(config *Config) (*url.URL, error) {
	proxyURL, err := url.Parse(config.Upstream.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream.proxy_url: %w", err)
	}
	if config.Upstream.ProxyUsername != "" {
		proxyURL.User = url.UserPassword(config.Upstream.ProxyUsername, config.Upstream.ProxyPassword)
	}
	return proxyURL, nil
}

/*
 * Fingerprint-mimic round tripper
 *
 * When upstream.tls_fingerprint selects a browser profile, upstream TLS
 * handshakes are performed with utls so the ClientHello matches that browser.
 * The protocol each host speaks is solved once and remembered; subsequent
 * requests dial, handshake and hand the live connection to a passthrough
 * http/http2 transport.
 */

const (
	protocolHTTP1 = iota
	protocolHTTP1TLS
	protocolHTTP2TLS
)

type mimicRoundTripper struct {
	hello      utls.ClientHelloID
	skipVerify bool
	rootCAs    *x509.CertPool
	dial       func(network, addr string) (net.Conn, error)

	// Mapping of host->protocol. The host is the origin authority from the
	// request URL, also when dials are tunneled through a parent proxy.
	protocolMap  map[string]int
	protocolLock sync.RWMutex
}

func newMimicRoundTripper(config *Config, rootCAs *x509.CertPool, dialer *net.Dialer) (*mimicRoundTripper, error) {
	var hello utls.ClientHelloID
	switch config.Upstream.TLSFingerprint {
	case FingerprintChrome:
		hello = utls.HelloChrome_Auto
	case FingerprintFirefox:
		hello = utls.HelloFirefox_Auto
	default:
		return nil, fmt.Errorf("unsupported tls fingerprint %q", config.Upstream.TLSFingerprint)
	}

	dial := func(network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
	if config.Upstream.ProxyURL != "" {
		proxyURL, err := parentProxyURL(config)
		if err != nil {
			return nil, err
		}
		dial = newConnectDialToProxy(proxyURL)
	}

	return &mimicRoundTripper{
		hello:       hello,
		skipVerify:  config.Upstream.SkipCertVerify,
		rootCAs:     rootCAs,
		dial:        dial,
		protocolMap: make(map[string]int),
	}, nil
}

func getDialerAddress(u *url.URL) string {
	/*
	 * If a port has been provided explicitly, use this as part of the
	 * connection dialer. Otherwise fall back to the default port for the
	 * scheme.
	 */
	host, port, err := net.SplitHostPort(u.Host)
	if err == nil {
		return net.JoinHostPort(host, port)
	}

	return net.JoinHostPort(u.Host, u.Scheme)
}

func urlToHost(u *url.URL) string {
	addr := getDialerAddress(u)

	var err error
	var host string
	if host, _, err = net.SplitHostPort(addr); err != nil {
		host = addr
	}

	return host
}

func (rt *mimicRoundTripper) wrapConnectionWithTLS(u *url.URL, rawConnection net.Conn) (*utls.UConn, error) {
	host := urlToHost(u)
	connection := utls.UClient(rawConnection, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: rt.skipVerify,
		RootCAs:            rt.rootCAs,
	}, rt.hello)

	if err := connection.Handshake(); err != nil {
		connection.Close()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTLS, err)
	}

	return connection, nil
}

func (rt *mimicRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host

	rt.protocolLock.RLock()
	protocol, known := rt.protocolMap[host]
	rt.protocolLock.RUnlock()

	var err error
	var connection net.Conn

	if !known {
		// We don't have a protocol for this host yet, so solve it with a
		// live handshake and keep the connection for the request itself.
		protocol, connection, err = rt.solveProtocol(req)
		if err != nil {
			return nil, err
		}
		rt.protocolLock.Lock()
		rt.protocolMap[host] = protocol
		rt.protocolLock.Unlock()
	} else {
		connection, err = rt.dial("tcp", getDialerAddress(req.URL))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamConnect, err)
		}

		if protocol == protocolHTTP1TLS || protocol == protocolHTTP2TLS {
			connection, err = rt.wrapConnectionWithTLS(req.URL, connection)
			if err != nil {
				return nil, err
			}
		}
	}

	// The connection is already established, so the inner transports never
	// dial for themselves; they just adopt the live stream.
	passthroughDialer := func(network, addr string) (net.Conn, error) {
		return connection, nil
	}
	passthroughDialerHTTP2 := func(network, addr string, cfg *tls.Config) (net.Conn, error) {
		return connection, nil
	}

	var transport http.RoundTripper

	switch protocol {
	case protocolHTTP1:
		transport = &http.Transport{Dial: passthroughDialer}
	case protocolHTTP1TLS:
		transport = &http.Transport{DialTLS: passthroughDialer}
	case protocolHTTP2TLS:
		transport = &http2.Transport{DialTLS: passthroughDialerHTTP2}
	default:
		connection.Close()
		return nil, errors.New("unknown upstream protocol")
	}

	response, err := transport.RoundTrip(req)
	if err != nil {
		connection.Close()
		return nil, err
	}

	return response, nil
}

func (rt *mimicRoundTripper) solveProtocol(req *http.Request) (int, net.Conn, error) {
	rawConnection, err := rt.dial("tcp", getDialerAddress(req.URL))
	if err != nil {
		return -1, nil, fmt.Errorf("%w: %v", ErrUpstreamConnect, err)
	}

	// HTTP/2 is only negotiated over TLS, so plaintext requests are HTTP/1.1.
	if strings.ToLower(req.URL.Scheme) == "http" {
		return protocolHTTP1, rawConnection, nil
	}

	connection, err := rt.wrapConnectionWithTLS(req.URL, rawConnection)
	if err != nil {
		return -1, nil, err
	}

	if connection.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		return protocolHTTP2TLS, connection, nil
	}
	return protocolHTTP1TLS, connection, nil
}
