package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testPipeline(t *testing.T, config *Config) *Pipeline {
	t.Helper()

	upstream, err := newUpstreamClient(config)
	if err != nil {
		t.Fatalf("building upstream client: %v", err)
	}
	return NewPipeline(upstream, NewRecorder(), config)
}

func envelopeFor(t *testing.T, method, rawURL string, header http.Header, body []byte) *RequestEnvelope {
	t.Helper()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	if header == nil {
		header = http.Header{}
	}

	envelope := &RequestEnvelope{
		Method:        method,
		Scheme:        parsed.Scheme,
		Authority:     parsed.Host,
		Path:          parsed.Path,
		Header:        header,
		ClientAddr:    "127.0.0.1:55555",
		Ingress:       time.Now(),
		ContentLength: int64(len(body)),
	}
	if body != nil {
		envelope.Body = io.NopCloser(bytes.NewReader(body))
	}
	if envelope.Path == "" {
		envelope.Path = "/"
	}
	return envelope
}

func TestForwardBufferedBodyRoundTrip(t *testing.T) {
	payload := make([]byte, 4096)
	rand.Read(payload)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ := io.ReadAll(r.Body)
		w.Write(received)
	}))
	defer upstream.Close()

	pipeline := testPipeline(t, DefaultConfig())

	envelope := envelopeFor(t, http.MethodPost, upstream.URL+"/echo", nil, payload)
	response, err := pipeline.Forward(context.Background(), envelope)
	if err != nil {
		t.Fatalf("forwarding: %v", err)
	}
	defer response.Body.Close()

	if response.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.Status)
	}

	echoed, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatal("body bytes changed across the pipeline")
	}
}

func TestForwardStripsHopByHopFromResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream", "yes")
		io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	pipeline := testPipeline(t, DefaultConfig())

	response, err := pipeline.Forward(context.Background(), envelopeFor(t, http.MethodGet, upstream.URL+"/", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()

	if _, present := response.Header["Keep-Alive"]; present {
		t.Fatal("hop-by-hop Keep-Alive survived the response path")
	}
	if response.Header.Get("X-Upstream") != "yes" {
		t.Fatal("end-to-end header was lost")
	}
}

func TestForwardSetsHostFromAuthority(t *testing.T) {
	var seenHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
	}))
	defer upstream.Close()

	pipeline := testPipeline(t, DefaultConfig())

	header := http.Header{"Host": {"spoofed.test"}}
	envelope := envelopeFor(t, http.MethodGet, upstream.URL+"/", header, nil)

	if _, err := pipeline.Forward(context.Background(), envelope); err != nil {
		t.Fatal(err)
	}

	wantHost := strings.TrimPrefix(upstream.URL, "http://")
	if seenHost != wantHost {
		t.Fatalf("upstream saw Host %q, want the effective authority %q", seenHost, wantHost)
	}
}

func TestForwardChunkedResponseStreams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			io.WriteString(w, "chunk\n")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	pipeline := testPipeline(t, DefaultConfig())

	response, err := pipeline.Forward(context.Background(), envelopeFor(t, http.MethodGet, upstream.URL+"/", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()

	// No declared length means the body streamed instead of buffering.
	if response.ContentLength >= 0 {
		t.Fatalf("content length = %d, want unknown (-1) for a chunked body", response.ContentLength)
	}

	streamed, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(streamed) != "chunk\nchunk\nchunk\n" {
		t.Fatalf("streamed body = %q", streamed)
	}
}

func TestForwardTimeoutYields504(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	config := DefaultConfig()
	config.Upstream.RequestTimeoutMS = 100
	pipeline := testPipeline(t, config)

	start := time.Now()
	_, err := pipeline.Forward(context.Background(), envelopeFor(t, http.MethodGet, upstream.URL+"/", nil, nil))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if status := statusForUpstreamError(err); status != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", status)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("timeout fired after %v, want around the 100ms deadline", elapsed)
	}
}

func TestForwardUnreachableUpstreamYields502(t *testing.T) {
	config := DefaultConfig()
	config.Upstream.ConnectTimeoutMS = 200
	pipeline := testPipeline(t, config)

	// A reserved port on loopback refuses immediately.
	_, err := pipeline.Forward(context.Background(), envelopeFor(t, http.MethodGet, "http://127.0.0.1:1/", nil, nil))
	if err == nil {
		t.Fatal("expected a connect error")
	}
	if status := statusForUpstreamError(err); status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
}

func TestForwardClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamEntered := make(chan struct{})
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(upstreamEntered)
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer upstream.Close()

	pipeline := testPipeline(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-upstreamEntered
		cancel()
	}()

	_, err := pipeline.Forward(ctx, envelopeFor(t, http.MethodGet, upstream.URL+"/", nil, nil))
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if !isClientDisconnect(err) {
		t.Fatalf("error %v should classify as a client disconnect", err)
	}

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled after the client went away")
	}
}
