// Package certcache stores dynamically minted TLS leaf certificates keyed by
// host. Two backends implement the same contract: an in-process bounded LRU
// and a shared Redis store, so a fleet of proxy processes can share one leaf
// per host.
package certcache

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"time"
)

// DefaultSafetyMargin is how close to expiry a cached leaf may get before it
// is treated as absent and re-minted.
const DefaultSafetyMargin = 60 * time.Second

// Leaf is a minted certificate chain plus its private key. The chain is DER
// encoded, leaf first, issuing CA last. Leaves are immutable after insertion.
type Leaf struct {
	ChainDER [][]byte
	KeyDER   []byte // PKCS#1 RSA private key
	NotAfter time.Time
}

// TLSCertificate converts the leaf into a tls.Certificate usable as server
// credential.
func (l *Leaf) TLSCertificate() (*tls.Certificate, error) {
	key, err := x509.ParsePKCS1PrivateKey(l.KeyDER)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: l.ChainDER,
		PrivateKey:  key,
	}, nil
}

// ValidAt reports whether the leaf is still serveable at the given instant,
// keeping the safety margin clear of the actual expiry.
func (l *Leaf) ValidAt(now time.Time, margin time.Duration) bool {
	return now.Before(l.NotAfter.Add(-margin))
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Size    int    `json:"size"`
	Backend string `json:"backend"`
}

// Cache is the capability set shared by all backends. Get returns nil both
// for unknown hosts and for entries inside the safety margin of expiry.
type Cache interface {
	Get(host string) *Leaf
	Put(host string, leaf *Leaf)
	Invalidate(host string)
	Clear()
	Stats() Stats
}

// NormalizeHost canonicalizes a cache key: ASCII-lowercased, port stripped.
func NormalizeHost(host string) string {
	if stripped, _, err := net.SplitHostPort(host); err == nil {
		host = stripped
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
