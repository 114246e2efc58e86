package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestEnvelope is the transport-independent form of a proxied request.
// Envelopes are single-owner: the engine builds one, hands it to the
// pipeline, and never touches it again.
type RequestEnvelope struct {
	Method        string
	Scheme        string
	Authority     string // host:port as addressed by the client
	Path          string // path plus raw query
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	ClientAddr    string
	Ingress       time.Time
	TLSOrigin     bool
}

// ResponseEnvelope carries the upstream response back to the transport
// layer. Body framing is untouched; hop-by-hop headers are already gone.
type ResponseEnvelope struct {
	Status          int
	Header          http.Header
	Body            io.ReadCloser
	ContentLength   int64
	UpstreamElapsed time.Duration
}

// Pipeline drives a request against the shared upstream client: header
// sanitization, body policy, timing, transaction recording.
type Pipeline struct {
	upstream       *UpstreamClient
	recorder       *Recorder
	streaming      StreamingSettings
	requestTimeout time.Duration
}

func NewPipeline(upstream *UpstreamClient, recorder *Recorder, config *Config) *Pipeline {
	return &Pipeline{
		upstream:       upstream,
		recorder:       recorder,
		streaming:      config.Streaming,
		requestTimeout: config.RequestTimeout(),
	}
}

// newRequestEnvelope normalizes an inbound request. The URL must already be
// absolute (the engine synthesizes it for intercepted traffic).
func newRequestEnvelope(r *http.Request, tlsOrigin bool) *RequestEnvelope {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	return &RequestEnvelope{
		Method:        r.Method,
		Scheme:        r.URL.Scheme,
		Authority:     r.URL.Host,
		Path:          path,
		Header:        r.Header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		ClientAddr:    r.RemoteAddr,
		Ingress:       time.Now(),
		TLSOrigin:     tlsOrigin,
	}
}

// bodyExpected reports whether the request can carry a body worth reading.
func bodyExpected(method string, contentLength int64) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodTrace:
		return contentLength > 0
	}
	return contentLength != 0
}

// Forward runs one request through the upstream client and returns the
// response envelope. Per-request failures are returned, never propagated
// into the shared client.
func (p *Pipeline) Forward(ctx context.Context, env *RequestEnvelope) (*ResponseEnvelope, error) {
	targetURL := env.Scheme + "://" + env.Authority + env.Path

	txn := newTransaction(env.Method, targetURL, env.ClientAddr, env.TLSOrigin, p.streaming.MaxPartialLogSize)

	body, contentLength, err := p.applyRequestBodyPolicy(env, txn)
	if err != nil {
		return nil, fmt.Errorf("%w: reading request body: %v", ErrUpstreamProtocol, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)

	outbound, err := http.NewRequestWithContext(ctx, env.Method, targetURL, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamProtocol, err)
	}

	outbound.Header = sanitizeHeaders(env.Header)
	outbound.Header.Del("Host")
	// The Host header always reflects the effective target, regardless of
	// what the client supplied.
	outbound.Host = env.Authority
	outbound.ContentLength = contentLength

	start := time.Now()
	response, err := p.upstream.Do(outbound)
	elapsed := time.Since(start)

	if err != nil {
		cancel()
		txn.Status = statusForUpstreamError(err)
		txn.UpstreamMS = elapsed.Milliseconds()
		p.recorder.Add(txn)
		requestsTotal.WithLabelValues(env.Method, "error").Inc()
		logger.WithFields(logrus.Fields{
			"method":  env.Method,
			"url":     targetURL,
			"elapsed": elapsed,
		}).Warnf("upstream request failed: %v", err)
		return nil, err
	}

	txn.Status = response.StatusCode
	txn.UpstreamMS = elapsed.Milliseconds()

	responseBody := p.applyResponseBodyPolicy(response, txn, cancel)

	envelope := &ResponseEnvelope{
		Status:          response.StatusCode,
		Header:          sanitizeHeaders(response.Header),
		Body:            responseBody,
		ContentLength:   response.ContentLength,
		UpstreamElapsed: elapsed,
	}

	p.recorder.Add(txn)
	requestsTotal.WithLabelValues(env.Method, statusClass(response.StatusCode)).Inc()
	requestDuration.Observe(elapsed.Seconds())

	logger.WithFields(logrus.Fields{
		"method":  env.Method,
		"url":     targetURL,
		"status":  response.StatusCode,
		"elapsed": elapsed,
		"tls":     env.TLSOrigin,
	}).Info("proxied request")

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		logger.WithFields(logrus.Fields{
			"request_headers":  env.Header,
			"response_headers": response.Header,
		}).Debug("transaction detail")
	}

	return envelope, nil
}

// applyRequestBodyPolicy decides between buffering and streaming the request
// body. Small bodies with a declared length are buffered and fully available
// for logging; everything else streams with a bounded prefix capture.
func (p *Pipeline) applyRequestBodyPolicy(env *RequestEnvelope, txn *Transaction) (io.Reader, int64, error) {
	if env.Body == nil || !bodyExpected(env.Method, env.ContentLength) {
		return nil, 0, nil
	}

	if env.ContentLength >= 0 && env.ContentLength <= p.streaming.MaxLogBodySize {
		buffered, err := io.ReadAll(io.LimitReader(env.Body, env.ContentLength))
		env.Body.Close()
		if err != nil {
			return nil, 0, err
		}
		txn.RequestSize = int64(len(buffered))
		// Buffered bodies are captured whole, not cut to the partial limit.
		txn.requestPreview = newBodyPreview(int64(len(buffered)))
		txn.requestPreview.Write(buffered)
		return bytes.NewReader(buffered), int64(len(buffered)), nil
	}

	// Chunked or oversized: stream through, capturing only the prefix.
	return io.TeeReader(env.Body, txn.requestPreview), env.ContentLength, nil
}

// applyResponseBodyPolicy mirrors the request-side policy: responses with a
// small declared length are buffered whole (and fully capturable), larger or
// chunked bodies stream through with only a bounded preview. cancel releases
// the per-request context once the body is settled.
func (p *Pipeline) applyResponseBodyPolicy(response *http.Response, txn *Transaction, cancel context.CancelFunc) io.ReadCloser {
	if response.ContentLength >= 0 && response.ContentLength <= p.streaming.MaxLogBodySize {
		buffered, err := io.ReadAll(io.LimitReader(response.Body, response.ContentLength))
		response.Body.Close()
		cancel()
		if err != nil {
			// Reading failed mid-body; hand the client what arrived and let
			// the length mismatch surface the truncation.
			logger.Debugf("buffering upstream response failed: %v", err)
		}
		txn.responsePreview = newBodyPreview(int64(len(buffered)))
		txn.responsePreview.Write(buffered)
		return io.NopCloser(bytes.NewReader(buffered))
	}

	return &teeBody{
		inner:   response.Body,
		preview: txn.responsePreview,
		cancel:  cancel,
	}
}

type teeBody struct {
	inner   io.ReadCloser
	preview *bodyPreview
	cancel  context.CancelFunc
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if n > 0 {
		t.preview.Write(p[:n])
	}
	return n, err
}

func (t *teeBody) Close() error {
	err := t.inner.Close()
	t.cancel()
	return err
}

func statusClass(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
