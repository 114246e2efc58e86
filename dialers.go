package main

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const proxyAuthHeader = "Proxy-Authorization"

func setProxyBasicAuth(username, password string, req *http.Request) {
	req.Header.Set(proxyAuthHeader, fmt.Sprintf("Basic %s", basicAuth(username, password)))
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// newConnectDialToProxy returns a dialer that opens a raw TCP stream to addr
// through a parent HTTP(S) proxy using CONNECT. Credentials embedded in the
// proxy URL are sent as Proxy-Authorization.
func newConnectDialToProxy(proxyURL *url.URL) func(network, addr string) (net.Conn, error) {
	var connectReqHandler func(req *http.Request)
	if user := proxyURL.User; user != nil {
		password, _ := user.Password()
		username := user.Username()
		connectReqHandler = func(req *http.Request) {
			setProxyBasicAuth(username, password, req)
		}
	}

	proxyHost := proxyURL.Host

	switch proxyURL.Scheme {
	case "", "http":
		if strings.IndexRune(proxyHost, ':') == -1 {
			proxyHost += ":80"
		}
		return func(network, addr string) (net.Conn, error) {
			c, err := net.Dial(network, proxyHost)
			if err != nil {
				return nil, err
			}
			return establishConnectTunnel(c, addr, connectReqHandler)
		}
	case "https":
		if strings.IndexRune(proxyHost, ':') == -1 {
			proxyHost += ":443"
		}
		serverName := proxyURL.Hostname()
		return func(network, addr string) (net.Conn, error) {
			c, err := net.Dial(network, proxyHost)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(c, &tls.Config{ServerName: serverName})
			if err := tlsConn.Handshake(); err != nil {
				c.Close()
				return nil, err
			}
			return establishConnectTunnel(tlsConn, addr, connectReqHandler)
		}
	}

	return func(network, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("unsupported parent proxy scheme %q", proxyURL.Scheme)
	}
}

func establishConnectTunnel(c net.Conn, addr string, connectReqHandler func(*http.Request)) (net.Conn, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if connectReqHandler != nil {
		connectReqHandler(connectReq)
	}

	if err := connectReq.Write(c); err != nil {
		c.Close()
		return nil, err
	}

	// Okay to use and discard a buffered reader here, because the TLS
	// server will not speak until spoken to.
	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		c.Close()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 500))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Close()
		return nil, errors.New("parent proxy refused connection: " + string(body))
	}

	return c, nil
}
