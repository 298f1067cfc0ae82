package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestSelfSigned(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned("mail.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "mail.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mail.example.com")
	}
	for _, want := range []string{"localhost", "mail.example.com"} {
		if !slices.Contains(leaf.DNSNames, want) {
			t.Errorf("DNS SANs: %v does not contain %s", leaf.DNSNames, want)
		}
	}

	foundIP := false
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "127.0.0.1" {
			foundIP = true
			break
		}
	}
	if !foundIP {
		t.Errorf("IP SANs: %v does not contain 127.0.0.1", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
	// CheckSignatureFrom requires a CA parent, so verify the raw signature.
	if err := leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature); err != nil {
		t.Errorf("certificate is not self-signed: %v", err)
	}
}

func TestSelfSigned_Hostnames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		hostname string
		wantCN   string
		wantDNS  []string
		wantIP   string
	}{
		{name: "empty defaults to localhost", hostname: "", wantCN: "localhost", wantDNS: []string{"localhost"}},
		{name: "localhost not duplicated", hostname: "localhost", wantCN: "localhost", wantDNS: []string{"localhost"}},
		{name: "ip literal", hostname: "10.0.0.5", wantCN: "10.0.0.5", wantDNS: []string{"localhost"}, wantIP: "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cert, err := SelfSigned(tt.hostname)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cert.Leaf.Subject.CommonName != tt.wantCN {
				t.Errorf("CN: got %q, want %q", cert.Leaf.Subject.CommonName, tt.wantCN)
			}
			if !slices.Equal(cert.Leaf.DNSNames, tt.wantDNS) {
				t.Errorf("DNS SANs: got %v, want %v", cert.Leaf.DNSNames, tt.wantDNS)
			}
			if tt.wantIP != "" {
				found := false
				for _, ip := range cert.Leaf.IPAddresses {
					if ip.String() == tt.wantIP {
						found = true
					}
				}
				if !found {
					t.Errorf("IP SANs: %v does not contain %s", cert.Leaf.IPAddresses, tt.wantIP)
				}
			}
		})
	}
}

func TestServerConfig_SelfSigned(t *testing.T) {
	t.Parallel()

	cfg, err := ServerConfig("", "", "mx.local")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", cfg.MinVersion, standardtls.VersionTLS12)
	}
	if cn := cfg.Certificates[0].Leaf.Subject.CommonName; cn != "mx.local" {
		t.Errorf("CN: got %q, want %q", cn, "mx.local")
	}
}

func TestServerConfig_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned("files.local")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	writePEM(t, certFile, "CERTIFICATE", cert.Certificate[0])
	writePEM(t, keyFile, "EC PRIVATE KEY", keyDER)

	cfg, err := ServerConfig(certFile, keyFile, "ignored")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if leaf.Subject.CommonName != "files.local" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "files.local")
	}
}

func TestServerConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := ServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", "")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}

func TestServerConfig_IncompletePair(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		certFile string
		keyFile  string
	}{
		{name: "cert only", certFile: "/tmp/cert.pem"},
		{name: "key only", keyFile: "/tmp/key.pem"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ServerConfig(tt.certFile, tt.keyFile, "")
			if !errors.Is(err, ErrIncompletePair) {
				t.Errorf("got %v, want ErrIncompletePair", err)
			}
		})
	}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
