package main

import (
	"net/http"
	"net/textproto"
	"strings"
)

// Hop-by-hop headers apply to a single transport link and must not cross the
// proxy in either direction (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// sanitizeHeaders returns a copy of src with the hop-by-hop set removed,
// including any names the peer listed in its Connection header. Ordering of
// values within a surviving name is preserved.
func sanitizeHeaders(src http.Header) http.Header {
	dropped := map[string]bool{}
	for _, name := range hopByHopHeaders {
		dropped[name] = true
	}

	// An inbound Connection header nominates additional per-hop names.
	for _, value := range src.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token))
			if token != "" {
				dropped[token] = true
			}
		}
	}

	dst := make(http.Header, len(src))
	for name, values := range src {
		if dropped[textproto.CanonicalMIMEHeaderKey(name)] {
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		dst[name] = copied
	}

	return dst
}
