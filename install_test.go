package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func bootstrapConfig(t *testing.T) *Config {
	t.Helper()

	dir := t.TempDir()
	config := DefaultConfig()
	config.TLS.CACertPath = filepath.Join(dir, "ca.crt")
	config.TLS.CAKeyPath = filepath.Join(dir, "ca.key")
	return config
}

func TestCAMaterialPathsPreferConfig(t *testing.T) {
	config := bootstrapConfig(t)

	certPath, keyPath, err := caMaterialPaths(config)
	if err != nil {
		t.Fatal(err)
	}
	if certPath != config.TLS.CACertPath || keyPath != config.TLS.CAKeyPath {
		t.Fatalf("paths = %s / %s, want the configured tls paths", certPath, keyPath)
	}
}

func TestCAMaterialPathsDefaultToHome(t *testing.T) {
	config := DefaultConfig()

	certPath, keyPath, err := caMaterialPaths(config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(certPath, ".glassproxy") || !strings.Contains(keyPath, ".glassproxy") {
		t.Fatalf("default paths = %s / %s, want ~/.glassproxy", certPath, keyPath)
	}
}

func TestCreateCAMaterialProducesLoadableRoot(t *testing.T) {
	config := bootstrapConfig(t)

	certPath, keyPath, err := createCAMaterial(config)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		t.Fatalf("key permissions %04o, want owner-only", mode)
	}

	// The generated root must feed straight into the CA loader and mint
	// working, CA-signed leaves.
	ca, err := LoadCertificateAuthority(certPath, keyPath, config.TLS.Organization, 24*time.Hour)
	if err != nil {
		t.Fatalf("loading bootstrapped CA: %v", err)
	}
	if ca.SelfSignedMode() {
		t.Fatal("bootstrapped CA should include a usable key")
	}
	if !ca.Certificate().IsCA {
		t.Fatal("bootstrapped certificate is not marked CA:TRUE")
	}
	if want := config.TLS.Organization + " Root CA"; ca.Certificate().Subject.CommonName != want {
		t.Fatalf("CN = %q, want %q", ca.Certificate().Subject.CommonName, want)
	}

	leaf, err := ca.Mint("bootstrap.test")
	if err != nil {
		t.Fatalf("minting with bootstrapped CA: %v", err)
	}
	if len(leaf.ChainDER) != 2 {
		t.Fatalf("chain length = %d, want leaf+CA", len(leaf.ChainDER))
	}
}

func TestCreateCAMaterialRefusesOverwrite(t *testing.T) {
	config := bootstrapConfig(t)

	if _, _, err := createCAMaterial(config); err != nil {
		t.Fatal(err)
	}

	if _, _, err := createCAMaterial(config); err == nil {
		t.Fatal("expected a refusal to overwrite an existing root")
	}
}

func TestTrustStepsForThisPlatform(t *testing.T) {
	steps, err := trustSteps("/tmp/ca.crt")

	switch runtime.GOOS {
	case "linux", "darwin":
		if err != nil {
			t.Fatalf("trust recipe for %s: %v", runtime.GOOS, err)
		}
		if len(steps) == 0 {
			t.Fatal("trust recipe is empty")
		}
		for _, step := range steps {
			if len(step.command) == 0 {
				t.Fatalf("step %q has no command", step.purpose)
			}
		}
	default:
		if err == nil {
			t.Fatalf("expected no trust recipe for %s", runtime.GOOS)
		}
	}
}
