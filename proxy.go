package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"glassproxy/certcache"
)

// ProxyServer is the interception engine: it owns the listening sockets,
// dispatches plaintext proxying, answers the health endpoint and runs the
// CONNECT interception path.
type ProxyServer struct {
	config   *Config
	pipeline *Pipeline
	fetcher  *certcache.Fetcher
	ca       *CertificateAuthority

	connectDial func(network, addr string) (net.Conn, error)
}

// TunnelSession is the per-CONNECT state once interception is underway.
type TunnelSession struct {
	ID        string
	Host      string
	Port      string
	StartedAt time.Time
}

func NewProxyServer(config *Config, pipeline *Pipeline, fetcher *certcache.Fetcher, ca *CertificateAuthority) (*ProxyServer, error) {
	dial := func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, config.ConnectTimeout())
	}
	if config.Upstream.ProxyURL != "" {
		proxyURL, err := parentProxyURL(config)
		if err != nil {
			return nil, err
		}
		dial = newConnectDialToProxy(proxyURL)
	}

	return &ProxyServer{
		config:      config,
		pipeline:    pipeline,
		fetcher:     fetcher,
		ca:          ca,
		connectDial: dial,
	}, nil
}

// Handler dispatches one inbound request: CONNECT, health, or plaintext
// proxying with keep-alive handled by net/http.
func (p *ProxyServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			p.handleConnect(w, r)
			return
		}

		if !r.URL.IsAbs() {
			if r.URL.Path == "/health" {
				p.handleHealth(w)
				return
			}
			// Requests without an absolute-form URI can still be proxied
			// when a Host header names the origin.
			if r.Host == "" {
				http.Error(w, "cannot handle requests without Host header", http.StatusBadRequest)
				return
			}
			r.URL.Scheme = "http"
			if r.TLS != nil {
				r.URL.Scheme = "https"
			}
			r.URL.Host = r.Host
		}

		p.handleHTTP(w, r, r.TLS != nil)
	})
}

func (p *ProxyServer) handleHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(processStart).String(),
	})
}

func (p *ProxyServer) handleHTTP(w http.ResponseWriter, r *http.Request, tlsOrigin bool) {
	envelope := newRequestEnvelope(r, tlsOrigin)

	response, err := p.pipeline.Forward(r.Context(), envelope)
	if err != nil {
		if isClientDisconnect(err) {
			return
		}
		http.Error(w, http.StatusText(statusForUpstreamError(err)), statusForUpstreamError(err))
		return
	}

	header := w.Header()
	for name, values := range response.Header {
		header[name] = values
	}
	w.WriteHeader(response.Status)
	io.Copy(w, response.Body)
	response.Body.Close()
}

/*
 * CONNECT path
 *
 * With interception enabled: acquire a leaf (cache first, mint under the
 * per-host guard), answer 200, terminate TLS towards the client and loop
 * decrypted requests through the pipeline. Leaf acquisition failures are
 * answered with 502 before any TLS bytes; upstream failures afterwards are
 * answered inside the TLS session without tearing it down.
 */
func (p *ProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "443"
	}
	host = certcache.NormalizeHost(host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		logger.Warnf("hijacking CONNECT from %s failed: %v", r.RemoteAddr, err)
		return
	}

	if !p.config.HTTPSInterceptionEnabled {
		p.tunnelPassthrough(clientConn, r)
		return
	}

	leaf, err := p.acquireLeaf(host)
	if err != nil {
		logger.WithFields(logrus.Fields{"host": host}).Warnf("leaf acquisition failed: %v", err)
		connectsTotal.WithLabelValues("mint_failed").Inc()
		writeRawStatus(clientConn, http.StatusBadGateway)
		clientConn.Close()
		return
	}

	certificate, err := leaf.TLSCertificate()
	if err != nil {
		connectsTotal.WithLabelValues("mint_failed").Inc()
		writeRawStatus(clientConn, http.StatusBadGateway)
		clientConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*certificate},
	})
	if err := tlsConn.Handshake(); err != nil {
		// The client retries at a higher layer; just surface the alert.
		logger.WithFields(logrus.Fields{"host": host}).Warnf("client TLS handshake failed: %v", err)
		connectsTotal.WithLabelValues("client_handshake_failed").Inc()
		tlsConn.Close()
		return
	}

	session := &TunnelSession{
		ID:        uuid.New().String(),
		Host:      host,
		Port:      port,
		StartedAt: time.Now(),
	}

	connectsTotal.WithLabelValues("intercepted").Inc()
	activeTunnels.Inc()
	defer activeTunnels.Dec()

	logger.WithFields(logrus.Fields{
		"session": session.ID,
		"host":    host,
		"port":    port,
		"client":  r.RemoteAddr,
	}).Debug("tunnel session established")

	p.serveTunnel(tlsConn, session, r.RemoteAddr)
}

// acquireLeaf runs the leaf acquisition order: cache get, then mint under
// the at-most-once guard, then cache put.
func (p *ProxyServer) acquireLeaf(host string) (*certcache.Leaf, error) {
	if p.ca == nil {
		return nil, fmt.Errorf("no certificate authority configured")
	}

	minted := false
	leaf, err := p.fetcher.Fetch(host, func(h string) (*certcache.Leaf, error) {
		minted = true
		logger.WithFields(logrus.Fields{"host": h}).Debug("minting leaf certificate")
		leaf, err := p.ca.Mint(h)
		if err == nil {
			certMintsTotal.Inc()
		}
		return leaf, err
	})
	if err != nil {
		return nil, err
	}

	if minted {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	} else {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
	}
	return leaf, nil
}

// serveTunnel loops HTTP/1.1 requests over the terminated TLS stream. The
// session survives per-request upstream errors; it ends when either side
// closes or the protocol breaks.
func (p *ProxyServer) serveTunnel(tlsConn *tls.Conn, session *TunnelSession, clientAddr string) {
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	authority := net.JoinHostPort(session.Host, session.Port)

	for {
		request, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				logger.WithFields(logrus.Fields{"session": session.ID}).Debugf("tunnel read ended: %v", err)
			}
			return
		}

		// Synthesize the absolute form the pipeline expects.
		request.URL, err = url.Parse("https://" + authority + request.URL.RequestURI())
		if err != nil {
			writeRawStatus(tlsConn, http.StatusBadRequest)
			return
		}
		request.RemoteAddr = clientAddr

		ctx, cancel := context.WithCancel(context.Background())

		// For bodyless requests a single-reader watchdog peeks ahead on the
		// TLS stream: the peek returns early only when the client went away
		// (or pipelined), letting us cancel the in-flight upstream work.
		var peeked chan error
		if request.ContentLength == 0 {
			request.Body = http.NoBody
			peeked = make(chan error, 1)
			go func() {
				_, err := reader.Peek(1)
				if err != nil {
					cancel()
				}
				peeked <- err
			}()
		}

		envelope := newRequestEnvelope(request, true)
		response, err := p.pipeline.Forward(ctx, envelope)
		if err != nil {
			cancel()
			if isClientDisconnect(err) {
				return
			}
			if writeRawStatus(tlsConn, statusForUpstreamError(err)) != nil {
				return
			}
			if peeked == nil {
				// A partially consumed request body would desynchronize the
				// next ReadRequest.
				io.Copy(io.Discard, request.Body)
				request.Body.Close()
			} else if err := <-peeked; err != nil {
				return
			}
			continue
		}

		ok := p.writeTunnelResponse(tlsConn, response)
		cancel()
		if !ok {
			return
		}
		if peeked == nil {
			io.Copy(io.Discard, request.Body)
			request.Body.Close()
		}

		// Re-synchronize with the watchdog before the next ReadRequest so
		// the buffered reader has a single consumer.
		if peeked != nil {
			if err := <-peeked; err != nil {
				return
			}
		}
	}
}

// writeTunnelResponse serializes the envelope back onto the TLS stream with
// HTTP/1.1 framing. Unknown lengths fall back to chunked encoding so the
// session can stay alive.
func (p *ProxyServer) writeTunnelResponse(conn io.Writer, envelope *ResponseEnvelope) bool {
	response := &http.Response{
		StatusCode:    envelope.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        envelope.Header,
		Body:          envelope.Body,
		ContentLength: envelope.ContentLength,
	}
	if envelope.ContentLength < 0 {
		response.TransferEncoding = []string{"chunked"}
	}

	if err := response.Write(conn); err != nil {
		envelope.Body.Close()
		return false
	}
	return true
}

// tunnelPassthrough splices the client against the upstream without any TLS
// work; used when interception is disabled.
func (p *ProxyServer) tunnelPassthrough(clientConn net.Conn, r *http.Request) {
	target := r.Host
	if !strings.Contains(target, ":") {
		target += ":443"
	}

	upstreamConn, err := p.connectDial("tcp", target)
	if err != nil {
		logger.Warnf("passthrough dial %s failed: %v", target, err)
		connectsTotal.WithLabelValues("passthrough_failed").Inc()
		writeRawStatus(clientConn, http.StatusBadGateway)
		clientConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return
	}

	connectsTotal.WithLabelValues("passthrough").Inc()
	spliceConnections(clientConn, upstreamConn)
}

// spliceConnections copies both directions until one side finishes, then
// closes both so the opposite copy unblocks immediately.
func spliceConnections(a, b net.Conn) {
	done := make(chan struct{}, 2)

	transfer := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}

	go transfer(a, b)
	go transfer(b, a)

	<-done
	a.Close()
	b.Close()
	<-done
}

func writeRawStatus(conn io.Writer, status int) error {
	_, err := fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", status, http.StatusText(status))
	return err
}

// Serve runs the plaintext proxy loop on the given listener.
func (p *ProxyServer) Serve(listener net.Listener) error {
	server := &http.Server{
		Handler:     p.Handler(),
		IdleTimeout: 2 * time.Minute,
	}
	return server.Serve(listener)
}

// ServeTLS runs the optional direct HTTPS ingress: TLS termination with
// dynamically minted leaves keyed by SNI, no CONNECT involved.
func (p *ProxyServer) ServeTLS(listener net.Listener) error {
	server := &http.Server{
		Handler:     p.Handler(),
		IdleTimeout: 2 * time.Minute,
		TLSConfig: &tls.Config{
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				host := hello.ServerName
				if host == "" {
					if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
						host = addr.IP.String()
					} else {
						return nil, fmt.Errorf("no server name in ClientHello")
					}
				}
				leaf, err := p.acquireLeaf(certcache.NormalizeHost(host))
				if err != nil {
					return nil, err
				}
				return leaf.TLSCertificate()
			},
		},
	}
	return server.ServeTLS(listener, "", "")
}
