package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed certificate and key into dir.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"localhost"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestDisabledConfigsReturnNil(t *testing.T) {
	if cfg, err := NewServerTLSConfig(ServerConfig{}); cfg != nil || err != nil {
		t.Errorf("server: got %v, %v", cfg, err)
	}
	if cfg, err := NewClientTLSConfig(ClientConfig{}); cfg != nil || err != nil {
		t.Errorf("client: got %v, %v", cfg, err)
	}
}

func TestMissingFiles(t *testing.T) {
	if _, err := NewServerTLSConfig(ServerConfig{Enabled: true, CertFile: "/nonexistent/c", KeyFile: "/nonexistent/k"}); err == nil {
		t.Error("server: expected error for missing certificate")
	}
	if _, err := NewClientTLSConfig(ClientConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Error("client: expected error for missing CA")
	}
	if _, err := NewClientTLSConfig(ClientConfig{Enabled: true, CertFile: "/nonexistent/c", KeyFile: "/nonexistent/k"}); err == nil {
		t.Error("client: expected error for missing client certificate")
	}
}

func TestServerConfig_ClientAuth(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())
	cfg, err := NewServerTLSConfig(ServerConfig{
		Enabled:    true,
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     certFile,
		ClientAuth: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Error("mTLS not configured")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x", cfg.MinVersion)
	}
}

func TestClientConfig_Options(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())
	cfg, err := NewClientTLSConfig(ClientConfig{
		Enabled:            true,
		CertFile:           certFile,
		KeyFile:            keyFile,
		CAFile:             certFile,
		InsecureSkipVerify: true,
		ServerName:         "api.example.test",
		MinVersion:         "1.3",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 || cfg.RootCAs == nil {
		t.Error("certificates not loaded")
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "api.example.test" {
		t.Error("options not applied")
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x", cfg.MinVersion)
	}
}

func TestClientConfig_BadCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewClientTLSConfig(ClientConfig{Enabled: true, CAFile: path}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewClientTLSConfig(ClientConfig{Enabled: true, MinVersion: "1.1"}); err == nil {
		t.Error("expected error for unsupported min version")
	}
}
