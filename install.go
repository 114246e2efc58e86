package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// Development CA bootstrap. The proxy itself only ever loads existing CA
// material; `glassproxy install-ca` creates the root in-process and registers
// it with the local trust stores so interception is transparent to browsers
// on this machine.

const (
	caBootstrapKeyBits  = 4096
	caBootstrapValidity = 10 * 365 * 24 * time.Hour
)

// caMaterialPaths resolves where the bootstrap writes the root. Configured
// tls paths win; the fallback is ~/.glassproxy/ca.{crt,key}.
func caMaterialPaths(config *Config) (certPath, keyPath string, err error) {
	if config.TLS.CACertPath != "" && config.TLS.CAKeyPath != "" {
		return config.TLS.CACertPath, config.TLS.CAKeyPath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("resolving home directory: %w", err)
	}

	base := filepath.Join(home, ".glassproxy")
	return filepath.Join(base, "ca.crt"), filepath.Join(base, "ca.key"), nil
}

func runInstallCA(config *Config) error {
	certPath, keyPath, err := createCAMaterial(config)
	if err != nil {
		return err
	}

	logger.Infof("root CA written to %s (key %s)", certPath, keyPath)

	if err := installTrustStore(certPath); err != nil {
		return err
	}

	logger.Info("root CA installed into the local trust store")
	return nil
}

// createCAMaterial generates the root and writes it as PEM. It refuses to
// overwrite an existing root: replacing one silently would orphan every
// client that already trusts it.
func createCAMaterial(config *Config) (certPath, keyPath string, err error) {
	certPath, keyPath, err = caMaterialPaths(config)
	if err != nil {
		return "", "", err
	}

	if _, err := os.Stat(certPath); err == nil {
		return "", "", fmt.Errorf("CA certificate already exists, remove to regenerate:\n `rm %s && rm %s`", certPath, keyPath)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return "", "", err
	}

	certPEM, keyPEM, err := generateRootCA(config.TLS.Organization, caBootstrapValidity)
	if err != nil {
		return "", "", err
	}

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("writing CA certificate: %w", err)
	}
	// The key is never readable beyond its owner.
	if err := os.WriteFile(keyPath, keyPEM, 0o400); err != nil {
		return "", "", fmt.Errorf("writing CA key: %w", err)
	}

	return certPath, keyPath, nil
}

// generateRootCA builds a self-signed signing root for the configured
// organization and returns both halves PEM-encoded.
func generateRootCA(organization string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, caBootstrapKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   organization + " Root CA",
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-leafClockSkew),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("signing CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// trustStep is one external command in a platform's trust-store recipe.
type trustStep struct {
	purpose string
	command []string
}

// trustSteps describes how the current platform registers a root. Linux
// needs both the system store and Chromium's NSS database, which ignores the
// system store on most distributions.
func trustSteps(certPath string) ([]trustStep, error) {
	switch runtime.GOOS {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		systemPath := "/usr/local/share/ca-certificates/glassproxy-ca.crt"
		nssDB := fmt.Sprintf("sql:%s/.pki/nssdb", home)
		return []trustStep{
			{"copy into the system store", []string{"sudo", "cp", certPath, systemPath}},
			{"refresh the system store", []string{"sudo", "update-ca-certificates"}},
			// https://chromium.googlesource.com/chromium/src/+/master/docs/linux/cert_management.md
			{"register with Chromium NSS", []string{"sudo", "certutil", "-d", nssDB, "-A", "-t", "C,,", "-n", "glassproxy", "-i", systemPath}},
		}, nil
	case "darwin":
		return []trustStep{
			{"add to the system keychain", []string{
				"sudo", "security", "add-trusted-cert", "-d", "-p", "ssl", "-p", "basic",
				"-k", "/Library/Keychains/System.keychain", certPath,
			}},
		}, nil
	default:
		return nil, fmt.Errorf("no trust-store recipe for %s; import %s manually", runtime.GOOS, certPath)
	}
}

func installTrustStore(certPath string) error {
	steps, err := trustSteps(certPath)
	if err != nil {
		return err
	}

	for _, step := range steps {
		cmd := exec.Command(step.command[0], step.command[1:]...)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%s (%v): %w\n%s", step.purpose, step.command, err, output)
		}
	}
	return nil
}
