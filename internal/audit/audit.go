// Package audit is a tamper-evident trail for security-relevant cluster
// events: certificate issuance/rejection, authority takeover, and zone
// trust failures. It adapts the teacher's BufferedLogger — batched
// SQLite writes with a direct-write bypass for events that must survive
// a crash, and an HMAC hash chain over each row — to an injected,
// non-global Logger (see internal/wlog for why this module avoids
// package-level singletons).
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Event is one row of the trail.
type Event struct {
	Timestamp int64
	Zone      string
	Endpoint  string
	Action    string
	Resource  string
	Details   string
	Success   bool
}

// criticalActions bypass the buffer and write straight through: a
// cluster cert rejection or an authority takeover must not be lost to
// a crash between the event and the next periodic flush.
var criticalActions = map[string]bool{
	"cert_issued":         true,
	"cert_rejected":       true,
	"authority_takeover":  true,
	"zone_trust_rejected": true,
	"config_rejected":     true,
}

// Logger batches Event rows into SQLite, chaining each row's hash to
// its predecessor via HMAC-SHA256 so a modified or deleted row is
// detectable on replay.
type Logger struct {
	db            *sql.DB
	log           *zap.Logger
	hmacKey       []byte
	maxBuffer     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []Event

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open creates (or reuses) the SQLite database at dbPath, migrates its
// schema, and loads or creates the HMAC chain key at keyPath.
func Open(dbPath, keyPath string, log *zap.Logger) (*Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrating schema: %w", err)
	}

	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	l := &Logger{
		db:            db,
		log:           log,
		hmacKey:       key,
		maxBuffer:     200,
		flushInterval: 5 * time.Second,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	l.ticker = time.NewTicker(l.flushInterval)
	go l.run()
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	zone TEXT,
	endpoint TEXT,
	action TEXT NOT NULL,
	resource TEXT,
	details TEXT,
	success INTEGER NOT NULL,
	prev_hash TEXT,
	row_hash TEXT
);`

func (l *Logger) run() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.ticker.C:
			if err := l.Flush(); err != nil {
				l.log.Warn("audit: periodic flush failed", zap.Error(err))
			}
		case <-l.stopCh:
			l.ticker.Stop()
			if err := l.Flush(); err != nil {
				l.log.Warn("audit: final flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Log records ev. Events in criticalActions are written synchronously;
// everything else is buffered and flushed on the next tick or once
// maxBuffer is reached.
func (l *Logger) Log(ev Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	if criticalActions[ev.Action] {
		return l.writeDirect([]Event{ev})
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, ev)
	full := len(l.buffer) >= l.maxBuffer
	l.mu.Unlock()

	if full {
		return l.Flush()
	}
	return nil
}

func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return nil
	}
	events := make([]Event, len(l.buffer))
	copy(events, l.buffer)
	l.buffer = l.buffer[:0]
	l.mu.Unlock()

	return l.writeDirect(events)
}

func (l *Logger) writeDirect(events []Event) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevHash string
	_ = tx.QueryRow(`SELECT COALESCE(row_hash,'') FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prevHash)

	stmt, err := tx.Prepare(`INSERT INTO audit_log
		(timestamp, zone, endpoint, action, resource, details, success, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		rowHash := computeRowHash(l.hmacKey, prevHash, e)
		if _, err := stmt.Exec(e.Timestamp, e.Zone, e.Endpoint, e.Action, e.Resource, e.Details, e.Success, prevHash, rowHash); err != nil {
			l.log.Warn("audit: insert failed", zap.Error(err))
			continue
		}
		prevHash = rowHash
	}
	return tx.Commit()
}

// Verify walks the full chain and reports the id of the first row whose
// row_hash does not match its recomputed value, or 0 if the chain is
// intact.
func (l *Logger) Verify() (brokenID int64, err error) {
	rows, err := l.db.Query(`SELECT id, timestamp, zone, endpoint, action, resource, details, success, prev_hash, row_hash
		FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var expectedPrev string
	for rows.Next() {
		var id int64
		var e Event
		var prevHash, rowHash string
		if err := rows.Scan(&id, &e.Timestamp, &e.Zone, &e.Endpoint, &e.Action, &e.Resource, &e.Details, &e.Success, &prevHash, &rowHash); err != nil {
			return 0, err
		}
		if prevHash != expectedPrev {
			return id, nil
		}
		if computeRowHash(l.hmacKey, prevHash, e) != rowHash {
			return id, nil
		}
		expectedPrev = rowHash
	}
	return 0, rows.Err()
}

func (l *Logger) Close() error {
	close(l.stopCh)
	<-l.doneCh
	return l.db.Close()
}

func computeRowHash(key []byte, prevHash string, e Event) string {
	if len(key) == 0 {
		return ""
	}
	msg := fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%v",
		prevHash, e.Timestamp, e.Zone, e.Endpoint, e.Action, e.Resource, e.Details, e.Success)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func loadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("audit: key at %s has wrong length %d (want 32)", path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: reading key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: generating key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: creating key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("audit: writing key: %w", err)
	}
	return key, nil
}
