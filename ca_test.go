package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestCA generates a throwaway root and writes it as PEM files,
// returning the paths plus the parsed certificate for verification.
func writeTestCA(t *testing.T, validity time.Duration) (certPath, keyPath string, caCert *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Glassproxy Test CA",
			Organization: []string{"Glassproxy"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}

	caCert, err = x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}

	dir := t.TempDir()
	certPath = filepath.Join(dir, "ca.crt")
	keyPath = filepath.Join(dir, "ca.key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o400); err != nil {
		t.Fatal(err)
	}

	return certPath, keyPath, caCert
}

func loadTestCA(t *testing.T) (*CertificateAuthority, *x509.Certificate) {
	t.Helper()

	certPath, keyPath, caCert := writeTestCA(t, 10*365*24*time.Hour)
	ca, err := LoadCertificateAuthority(certPath, keyPath, "Glassproxy", 24*time.Hour)
	if err != nil {
		t.Fatalf("loading CA: %v", err)
	}
	return ca, caCert
}

func TestMintDNSLeaf(t *testing.T) {
	ca, caCert := loadTestCA(t)

	leaf, err := ca.Mint("api.test")
	if err != nil {
		t.Fatalf("minting: %v", err)
	}

	cert, err := x509.ParseCertificate(leaf.ChainDER[0])
	if err != nil {
		t.Fatalf("parsing minted leaf: %v", err)
	}

	if cert.Subject.CommonName != "api.test" {
		t.Fatalf("CN = %q, want api.test", cert.Subject.CommonName)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "api.test" {
		t.Fatalf("DNS SANs = %v, want [api.test]", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 0 {
		t.Fatalf("unexpected IP SANs %v on a DNS host", cert.IPAddresses)
	}

	// The leaf must chain to the configured CA.
	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:   roots,
		DNSName: "api.test",
		KeyUsages: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
	}); err != nil {
		t.Fatalf("leaf does not verify against the CA: %v", err)
	}

	if len(leaf.ChainDER) != 2 {
		t.Fatalf("chain length = %d, want leaf+CA", len(leaf.ChainDER))
	}
}

func TestMintIPLiteralLeaf(t *testing.T) {
	ca, _ := loadTestCA(t)

	var tests = []string{"10.0.0.5", "2001:db8::1"}

	for _, host := range tests {
		leaf, err := ca.Mint(host)
		if err != nil {
			t.Fatalf("minting %s: %v", host, err)
		}

		cert, err := x509.ParseCertificate(leaf.ChainDER[0])
		if err != nil {
			t.Fatal(err)
		}

		if len(cert.IPAddresses) != 1 {
			t.Fatalf("%s: IP SANs = %v, want exactly one", host, cert.IPAddresses)
		}
		if len(cert.DNSNames) != 0 {
			t.Fatalf("%s: unexpected DNS SANs %v for an IP literal", host, cert.DNSNames)
		}
	}
}

func TestMintKeyUsage(t *testing.T) {
	ca, _ := loadTestCA(t)

	leaf, err := ca.Mint("usage.test")
	if err != nil {
		t.Fatal(err)
	}

	cert, err := x509.ParseCertificate(leaf.ChainDER[0])
	if err != nil {
		t.Fatal(err)
	}

	hasServerAuth := false
	for _, usage := range cert.ExtKeyUsage {
		if usage == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
		}
	}
	if !hasServerAuth {
		t.Fatal("minted leaf lacks serverAuth EKU")
	}
	if cert.IsCA {
		t.Fatal("minted leaf must not be a CA")
	}
	if !cert.NotBefore.Before(time.Now()) {
		t.Fatal("notBefore should be backdated for clock skew")
	}
}

func TestMintCappedByCAExpiry(t *testing.T) {
	certPath, keyPath, caCert := writeTestCA(t, 6*time.Hour)
	ca, err := LoadCertificateAuthority(certPath, keyPath, "Glassproxy", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	leaf, err := ca.Mint("short.test")
	if err != nil {
		t.Fatal(err)
	}

	if leaf.NotAfter.After(caCert.NotAfter) {
		t.Fatalf("leaf notAfter %v exceeds CA notAfter %v", leaf.NotAfter, caCert.NotAfter)
	}
}

func TestMintDegradesToSelfSignedWithoutKey(t *testing.T) {
	certPath, _, _ := writeTestCA(t, 24*time.Hour)

	ca, err := LoadCertificateAuthority(certPath, filepath.Join(t.TempDir(), "missing.key"), "Glassproxy", 24*time.Hour)
	if err != nil {
		t.Fatalf("a missing key must degrade, not fail: %v", err)
	}
	if !ca.SelfSignedMode() {
		t.Fatal("expected self-signed mode without a CA key")
	}

	leaf, err := ca.Mint("degraded.test")
	if err != nil {
		t.Fatal(err)
	}

	if len(leaf.ChainDER) != 1 {
		t.Fatalf("self-signed chain length = %d, want 1", len(leaf.ChainDER))
	}

	cert, err := x509.ParseCertificate(leaf.ChainDER[0])
	if err != nil {
		t.Fatal(err)
	}
	if cert.Issuer.CommonName != cert.Subject.CommonName {
		t.Fatal("degraded leaf should be self-signed")
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "degraded.test" {
		t.Fatalf("DNS SANs = %v, want [degraded.test]", cert.DNSNames)
	}
}

func TestLeafTLSCertificate(t *testing.T) {
	ca, _ := loadTestCA(t)

	leaf, err := ca.Mint("tls.test")
	if err != nil {
		t.Fatal(err)
	}

	certificate, err := leaf.TLSCertificate()
	if err != nil {
		t.Fatalf("converting leaf to tls.Certificate: %v", err)
	}
	if len(certificate.Certificate) != 2 {
		t.Fatalf("tls chain length = %d, want 2", len(certificate.Certificate))
	}
	if certificate.PrivateKey == nil {
		t.Fatal("tls certificate lost its private key")
	}
}
