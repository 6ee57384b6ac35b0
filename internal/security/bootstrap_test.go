package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"wardend/internal/command"
	"wardend/internal/model"
)

// fakeOpenSSL simulates the openssl invocations by writing the output
// file(s) the real binary would have produced, so CertAuthority can be
// exercised without shelling out.
type fakeOpenSSL struct{}

func (f *fakeOpenSSL) Execute(ctx context.Context, spec command.Spec) model.CheckResult {
	switch spec.Args[0] {
	case "req":
		outIdx := indexOf(spec.Args, "-out")
		keyIdx := indexOf(spec.Args, "-keyout")
		os.WriteFile(spec.Args[outIdx+1], []byte("fake-cert-or-csr"), 0600)
		if keyIdx >= 0 {
			os.WriteFile(spec.Args[keyIdx+1], []byte("fake-key"), 0600)
		}
	case "x509":
		outIdx := indexOf(spec.Args, "-out")
		os.WriteFile(spec.Args[outIdx+1], []byte("fake-signed-cert"), 0600)
	}
	return model.CheckResult{State: model.StateOK}
}

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return -1
}

func TestEnsureCAThenSignCSR(t *testing.T) {
	dir := t.TempDir()
	ca := NewCertAuthority(&fakeOpenSSL{}, dir, nil)

	if err := ca.EnsureCA(context.Background(), "wardend-cluster-ca", 0); err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ca.crt")); err != nil {
		t.Fatalf("expected ca.crt to exist: %v", err)
	}

	certPEM, err := ca.SignCSR(context.Background(), "peer-a", []byte("fake-csr"), 0)
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}
	if len(certPEM) == 0 {
		t.Fatal("expected non-empty signed certificate")
	}
}

func TestSignCSRRejectsBadCommonName(t *testing.T) {
	dir := t.TempDir()
	ca := NewCertAuthority(&fakeOpenSSL{}, dir, nil)
	ca.EnsureCA(context.Background(), "ca", 0)

	if _, err := ca.SignCSR(context.Background(), "peer a; rm -rf /", []byte("x"), 0); err == nil {
		t.Fatal("expected rejection of unsafe common name")
	}
}

func TestGenerateNodeKeyAndCSR(t *testing.T) {
	dir := t.TempDir()
	keyPEM, csrPEM, err := GenerateNodeKeyAndCSR(context.Background(), &fakeOpenSSL{}, dir, "peer-b")
	if err != nil {
		t.Fatalf("GenerateNodeKeyAndCSR: %v", err)
	}
	if len(keyPEM) == 0 || len(csrPEM) == 0 {
		t.Fatal("expected non-empty key and csr")
	}
}
