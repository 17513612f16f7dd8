package certgen

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("cert PEM invalid")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

// setupTestCA writes a fresh CA into a temp dir and loads it back.
func setupTestCA(t *testing.T) (dir string, caCert *x509.Certificate, caKey any) {
	t.Helper()
	certPEM, keyPEM, err := GenerateCA("Test CA")
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	dir = t.TempDir()
	if err := WritePair(dir, "ca", certPEM, keyPEM); err != nil {
		t.Fatalf("WritePair: %v", err)
	}
	caCert, caKey, err = LoadCACredentials(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	if err != nil {
		t.Fatalf("LoadCACredentials: %v", err)
	}
	return dir, caCert, caKey
}

func TestGenerateCA(t *testing.T) {
	dir, caCert, caKey := setupTestCA(t)

	if !caCert.IsCA || !caCert.BasicConstraintsValid {
		t.Error("CA certificate should be a CA")
	}
	if caCert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Errorf("CA KeyUsage = %v; want CertSign", caCert.KeyUsage)
	}
	if caCert.Subject.CommonName != "Test CA" {
		t.Errorf("CommonName = %q", caCert.Subject.CommonName)
	}
	if _, ok := caKey.(*ecdsa.PrivateKey); !ok {
		t.Fatalf("key type = %T; want *ecdsa.PrivateKey", caKey)
	}

	st, err := os.Stat(filepath.Join(dir, "ca.key"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v; want 0600", st.Mode().Perm())
	}
}

func TestLoadCACredentials_Errors(t *testing.T) {
	dir, _, _ := setupTestCA(t)
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	caCrt, caKey := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")

	tests := []struct {
		name, cert, key, want string
	}{
		{"missing cert", "/no/such/file.pem", caKey, "read ca cert"},
		{"missing key", caCrt, "/no/such/key.pem", "read ca key"},
		{"bad cert", garbage, caKey, "invalid CA cert PEM"},
		{"bad key", caCrt, garbage, "invalid CA key PEM"},
		{"cert as key", caCrt, caCrt, "unsupported key type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := LoadCACredentials(tt.cert, tt.key)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v; want error containing %q", err, tt.want)
			}
		})
	}
}

func TestGenerateOperatorCertificate(t *testing.T) {
	_, caCert, caKey := setupTestCA(t)

	certPEM, keyPEM, err := GenerateOperatorCertificate("pathologist-1", caCert, caKey)
	if err != nil {
		t.Fatalf("GenerateOperatorCertificate: %v", err)
	}
	cert := parseCert(t, certPEM)
	if cert.Subject.CommonName != "pathologist-1" {
		t.Errorf("CommonName = %q; want %q", cert.Subject.CommonName, "pathologist-1")
	}
	if err := cert.CheckSignatureFrom(caCert); err != nil {
		t.Errorf("signature check failed: %v", err)
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Errorf("ExtKeyUsage = %v; want client auth only", cert.ExtKeyUsage)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		t.Fatalf("key PEM invalid")
	}
	if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
		t.Errorf("parse private key failed: %v", err)
	}

	if _, _, err := GenerateOperatorCertificate("", caCert, caKey); err == nil {
		t.Error("expected an error for an empty operator")
	}
}

func TestGenerateServerCertificate(t *testing.T) {
	_, caCert, caKey := setupTestCA(t)

	certPEM, _, err := GenerateServerCertificate([]string{"localhost", "127.0.0.1"}, caCert, caKey)
	if err != nil {
		t.Fatalf("GenerateServerCertificate: %v", err)
	}
	cert := parseCert(t, certPEM)
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "localhost" {
		t.Errorf("DNSNames = %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 1 || !cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("IPAddresses = %v", cert.IPAddresses)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	if _, err := cert.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool}); err != nil {
		t.Errorf("verify: %v", err)
	}

	if _, _, err := GenerateServerCertificate(nil, caCert, caKey); err == nil {
		t.Error("expected an error without host names")
	}
}
