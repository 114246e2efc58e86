package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"glassproxy/certcache"
)

const (
	leafKeyBits = 2048

	// Issued leaves are backdated to tolerate clients with a slightly
	// slow clock.
	leafClockSkew = 60 * time.Second
)

// CertificateAuthority holds the long-lived signing material loaded once at
// process start. The key may be absent, in which case minting degrades to
// self-signed leaves (browsers warn, interception keeps working for tests).
type CertificateAuthority struct {
	cert         *x509.Certificate
	key          *rsa.PrivateKey // nil in degraded mode
	organization string
	leafTTL      time.Duration
}

// LoadCertificateAuthority reads the PEM-encoded CA certificate and, when
// present, its private key. A missing key file is a warning, not an error.
func LoadCertificateAuthority(certPath, keyPath, organization string, leafTTL time.Duration) (*CertificateAuthority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in %s", certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if !cert.IsCA {
		logger.Warnf("certificate %s is not marked CA:TRUE; clients will reject minted leaves", certPath)
	}

	ca := &CertificateAuthority{
		cert:         cert,
		organization: organization,
		leafTTL:      leafTTL,
	}

	if keyPath == "" {
		logger.Warn("no CA key configured, minting self-signed leaves: ", ErrCAKeyUnavailable)
		return ca, nil
	}

	key, err := loadCAKey(keyPath)
	if err != nil {
		logger.Warnf("CA key unusable (%v), minting self-signed leaves", err)
		return ca, nil
	}

	ca.key = key
	return ca, nil
}

func loadCAKey(path string) (*rsa.PrivateKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAKeyUnavailable, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		logger.Warnf("CA key %s has permissions %04o, want owner-only-read", path, mode)
	}

	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAKeyUnavailable, err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrCAKeyUnavailable, path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrCAKeyUnavailable, parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrCAKeyUnavailable, block.Type)
	}
}

// SelfSignedMode reports whether minting runs without the CA key.
func (ca *CertificateAuthority) SelfSignedMode() bool {
	return ca.key == nil
}

// Certificate returns the CA certificate, e.g. for building trust pools.
func (ca *CertificateAuthority) Certificate() *x509.Certificate {
	return ca.cert
}

// Mint issues a leaf certificate for a DNS name or IP literal. IP literals
// get an iPAddress SAN, everything else a dNSName SAN.
func (ca *CertificateAuthority) Mint(host string) (*certcache.Leaf, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	now := time.Now()
	notAfter := now.Add(ca.leafTTL)
	if notAfter.After(ca.cert.NotAfter) {
		// A leaf cannot outlive its issuer.
		notAfter = ca.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{ca.organization},
		},
		NotBefore:             now.Add(-leafClockSkew),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	var chain [][]byte

	if ca.key != nil {
		der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
		chain = [][]byte{der, ca.cert.Raw}
	} else {
		logger.Warnf("minting self-signed leaf for %s (no CA key)", host)
		der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
		chain = [][]byte{der}
	}

	return &certcache.Leaf{
		ChainDER: chain,
		KeyDER:   x509.MarshalPKCS1PrivateKey(key),
		NotAfter: notAfter,
	}, nil
}
