package audit

import (
	"path/filepath"
	"testing"
)

func TestLogFlushAndVerify(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "audit.db"), filepath.Join(dir, "audit.key"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Log(Event{Zone: "master", Action: "config_reload", Resource: "zones.conf", Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	// Critical action bypasses the buffer and is written immediately.
	if err := l.Log(Event{Zone: "master", Endpoint: "peer-a", Action: "cert_rejected", Resource: "peer-a", Success: false}); err != nil {
		t.Fatalf("Log critical: %v", err)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	brokenID, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if brokenID != 0 {
		t.Fatalf("expected intact chain, broke at id %d", brokenID)
	}
}

func TestKeyPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "audit.key")
	dbPath := filepath.Join(dir, "audit.db")

	l1, err := Open(dbPath, keyPath, nil)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	l1.Log(Event{Action: "cert_issued", Resource: "peer-b", Success: true})
	l1.Close()

	l2, err := Open(dbPath, keyPath, nil)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer l2.Close()

	brokenID, err := l2.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if brokenID != 0 {
		t.Fatalf("expected intact chain across reopen, broke at id %d", brokenID)
	}
}
