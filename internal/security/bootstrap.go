// Package security implements the certificate material every cluster
// node needs (spec.md §6) and the one anonymous bootstrap RPC that
// issues it, pki::RequestCertificate (SPEC_FULL.md §6). Certificate
// generation shells out to openssl through command.ExecRunner, the way
// the teacher's CertHandler.GenerateSelfSigned does, rather than
// reimplementing CA signing with crypto/x509: the command-adapter path
// is already the idiom this codebase uses for privileged external
// operations, and it's what the teacher's handler demonstrates for
// this exact task.
package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"wardend/internal/audit"
	"wardend/internal/command"
)

var cnPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

// CertAuthority holds the CA key material used to sign peer
// certificates. Only the node configured as the cluster's signing
// authority needs one; every other node only ever calls
// GenerateNodeKeyAndCSR.
type CertAuthority struct {
	runner command.Runner
	dir    string
	audit  *audit.Logger // may be nil
}

func NewCertAuthority(runner command.Runner, dir string, auditLog *audit.Logger) *CertAuthority {
	if runner == nil {
		runner = command.NewExecRunner()
	}
	return &CertAuthority{runner: runner, dir: dir, audit: auditLog}
}

func (ca *CertAuthority) caCertPath() string { return filepath.Join(ca.dir, "ca.crt") }
func (ca *CertAuthority) caKeyPath() string  { return filepath.Join(ca.dir, "ca.key") }

// EnsureCA generates a self-signed CA key/certificate under dir if one
// does not already exist.
func (ca *CertAuthority) EnsureCA(ctx context.Context, commonName string, days int) error {
	if _, err := os.Stat(ca.caCertPath()); err == nil {
		return nil
	}
	if err := os.MkdirAll(ca.dir, 0700); err != nil {
		return fmt.Errorf("security: creating CA dir: %w", err)
	}
	if days <= 0 {
		days = 3650
	}
	spec := command.Spec{
		Command: "/usr/bin/openssl",
		Args: []string{
			"req", "-x509", "-newkey", "rsa:4096",
			"-keyout", ca.caKeyPath(), "-out", ca.caCertPath(),
			"-days", fmt.Sprintf("%d", days), "-nodes", "-subj", "/CN=" + commonName,
		},
		Timeout: 30 * time.Second,
	}
	cr := ca.runner.Execute(ctx, spec)
	if cr.State != 0 { // StateOK == 0
		ca.logAudit("cert_rejected", commonName, cr.Output, false)
		return fmt.Errorf("security: generating CA failed: %s", cr.Output)
	}
	os.Chmod(ca.caKeyPath(), 0600)
	ca.logAudit("cert_issued", commonName, "generated new cluster CA", true)
	return nil
}

// SignCSR signs csrPEM (a PEM-encoded certificate signing request) with
// the CA key, returning the issued certificate's PEM bytes.
func (ca *CertAuthority) SignCSR(ctx context.Context, commonName string, csrPEM []byte, days int) ([]byte, error) {
	if !cnPattern.MatchString(commonName) {
		ca.logAudit("cert_rejected", commonName, "invalid common name", false)
		return nil, fmt.Errorf("security: invalid common name %q", commonName)
	}
	if days <= 0 {
		days = 365
	}

	tmpDir, err := os.MkdirTemp("", "wardend-csr-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	csrPath := filepath.Join(tmpDir, "req.csr")
	outPath := filepath.Join(tmpDir, "issued.crt")
	if err := os.WriteFile(csrPath, csrPEM, 0600); err != nil {
		return nil, fmt.Errorf("security: writing csr: %w", err)
	}

	spec := command.Spec{
		Command: "/usr/bin/openssl",
		Args: []string{
			"x509", "-req", "-in", csrPath,
			"-CA", ca.caCertPath(), "-CAkey", ca.caKeyPath(), "-CAcreateserial",
			"-out", outPath, "-days", fmt.Sprintf("%d", days), "-sha256",
		},
		Timeout: 30 * time.Second,
	}
	cr := ca.runner.Execute(ctx, spec)
	if cr.State != 0 {
		ca.logAudit("cert_rejected", commonName, cr.Output, false)
		return nil, fmt.Errorf("security: signing CSR for %q failed: %s", commonName, cr.Output)
	}

	certPEM, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("security: reading issued cert: %w", err)
	}
	ca.logAudit("cert_issued", commonName, "issued cluster node certificate", true)
	return certPEM, nil
}

// CABundle returns the CA certificate's PEM bytes, given to a newly
// bootstrapped node alongside its signed certificate.
func (ca *CertAuthority) CABundle() ([]byte, error) {
	return os.ReadFile(ca.caCertPath())
}

func (ca *CertAuthority) logAudit(action, resource, details string, success bool) {
	if ca.audit == nil {
		return
	}
	_ = ca.audit.Log(audit.Event{Action: action, Resource: resource, Details: details, Success: success})
}

// GenerateNodeKeyAndCSR is run by a node bootstrapping for the first
// time: it creates a private key and a certificate signing request for
// commonName, returning the PEM-encoded key and CSR to send to the
// signing authority over the anonymous RequestCertificate call.
func GenerateNodeKeyAndCSR(ctx context.Context, runner command.Runner, dir, commonName string) (keyPEM, csrPEM []byte, err error) {
	if runner == nil {
		runner = command.NewExecRunner()
	}
	if !cnPattern.MatchString(commonName) {
		return nil, nil, fmt.Errorf("security: invalid common name %q", commonName)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("security: creating node cert dir: %w", err)
	}

	keyPath := filepath.Join(dir, commonName+".key")
	csrPath := filepath.Join(dir, commonName+".csr")

	spec := command.Spec{
		Command: "/usr/bin/openssl",
		Args: []string{
			"req", "-new", "-newkey", "rsa:4096", "-nodes",
			"-keyout", keyPath, "-out", csrPath, "-subj", "/CN=" + commonName,
		},
		Timeout: 30 * time.Second,
	}
	cr := runner.Execute(ctx, spec)
	if cr.State != 0 {
		return nil, nil, fmt.Errorf("security: generating node key/csr failed: %s", cr.Output)
	}
	os.Chmod(keyPath, 0600)

	keyPEM, err = os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	csrPEM, err = os.ReadFile(csrPath)
	if err != nil {
		return nil, nil, err
	}
	return keyPEM, csrPEM, nil
}
