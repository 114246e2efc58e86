package main

import (
	"net/http"
	"testing"
)

func TestSanitizeHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{
		"Connection":        {"keep-alive"},
		"Proxy-Connection":  {"keep-alive"},
		"Keep-Alive":        {"timeout=5"},
		"Te":                {"trailers"},
		"Trailer":           {"Expires"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"websocket"},
		"Content-Type":      {"text/plain"},
		"Accept":            {"*/*"},
	}

	dst := sanitizeHeaders(src)

	for _, name := range hopByHopHeaders {
		if _, present := dst[name]; present {
			t.Fatalf("hop-by-hop header %s survived sanitization", name)
		}
	}
	if dst.Get("Content-Type") != "text/plain" {
		t.Fatal("end-to-end Content-Type was lost")
	}
	if dst.Get("Accept") != "*/*" {
		t.Fatal("end-to-end Accept was lost")
	}
}

func TestSanitizeHeadersDropsConnectionNominated(t *testing.T) {
	src := http.Header{
		"Connection":      {"close, X-Session-Token"},
		"X-Session-Token": {"abc123"},
		"X-Other":         {"keep"},
	}

	dst := sanitizeHeaders(src)

	if _, present := dst["X-Session-Token"]; present {
		t.Fatal("Connection-nominated header survived sanitization")
	}
	if dst.Get("X-Other") != "keep" {
		t.Fatal("unrelated header was dropped")
	}
}

func TestSanitizeHeadersPreservesValueOrder(t *testing.T) {
	src := http.Header{
		"Accept-Encoding": {"gzip", "br", "deflate"},
	}

	dst := sanitizeHeaders(src)

	values := dst["Accept-Encoding"]
	want := []string{"gzip", "br", "deflate"}
	if len(values) != len(want) {
		t.Fatalf("value count = %d, want %d", len(values), len(want))
	}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("value %d = %q, want %q (ordering must be preserved)", i, values[i], want[i])
		}
	}
}

func TestSanitizeHeadersDoesNotMutateSource(t *testing.T) {
	src := http.Header{
		"Connection": {"keep-alive"},
		"Accept":     {"*/*"},
	}

	sanitizeHeaders(src)

	if src.Get("Connection") != "keep-alive" {
		t.Fatal("sanitization mutated the source header map")
	}
}
