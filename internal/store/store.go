// Package store persists the small amount of local state a node needs
// to survive a restart without replaying its whole history: per-peer
// replay cursors, comments and downtimes, and the last-known authority
// assignment for HARunOnce objects. It opens sqlite the way the
// teacher's cmd/dplaned/main.go does (WAL mode, IF NOT EXISTS schema
// migration on every startup) but with its own schema — the teacher's
// cmd/dplaned/schema.go is a NAS control-plane schema (users, sessions,
// shares) with no equivalent here.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the sqlite database at path and
// migrates its schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn("initial WAL checkpoint failed", zap.Error(err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS replay_cursors (
	endpoint      TEXT PRIMARY KEY,
	log_position  REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS comments (
	name     TEXT PRIMARY KEY,
	legacy_id INTEGER NOT NULL,
	object    TEXT NOT NULL,
	author    TEXT NOT NULL,
	text      TEXT NOT NULL,
	entry_time    INTEGER NOT NULL,
	expire_time   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS downtimes (
	name         TEXT PRIMARY KEY,
	legacy_id     INTEGER NOT NULL,
	object        TEXT NOT NULL,
	author        TEXT NOT NULL,
	comment       TEXT NOT NULL,
	start_time    INTEGER NOT NULL,
	end_time      INTEGER NOT NULL,
	duration_ns   INTEGER NOT NULL DEFAULT 0,
	fixed         INTEGER NOT NULL DEFAULT 1,
	triggered_by  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS authority_cache (
	object    TEXT PRIMARY KEY,
	endpoint  TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SetLogPosition persists the replay cursor for endpoint, called by
// the replay log's catch-up sink roughly every 10s of replay progress
// (spec.md §4.E) so a restart resumes close to where it left off
// instead of re-scanning the whole retention window.
func (s *Store) SetLogPosition(endpoint string, position float64) error {
	_, err := s.db.Exec(`
		INSERT INTO replay_cursors (endpoint, log_position) VALUES (?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET log_position = excluded.log_position`,
		endpoint, position)
	return err
}

// LogPosition returns the last persisted cursor for endpoint, or 0 if
// none was ever recorded (replay from the start of retention).
func (s *Store) LogPosition(endpoint string) (float64, error) {
	var pos float64
	err := s.db.QueryRow(`SELECT log_position FROM replay_cursors WHERE endpoint = ?`, endpoint).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return pos, err
}

// CommentRow mirrors model.Comment plus the object it's attached to.
type CommentRow struct {
	Name     string
	LegacyID int
	Object   string
	Author   string
	Text     string
	Entry    time.Time
	Expires  time.Time
}

func (s *Store) PutComment(c CommentRow) error {
	var expire int64
	if !c.Expires.IsZero() {
		expire = c.Expires.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO comments (name, legacy_id, object, author, text, entry_time, expire_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET text = excluded.text, expire_time = excluded.expire_time`,
		c.Name, c.LegacyID, c.Object, c.Author, c.Text, c.Entry.Unix(), expire)
	return err
}

func (s *Store) DeleteComment(name string) error {
	_, err := s.db.Exec(`DELETE FROM comments WHERE name = ?`, name)
	return err
}

func (s *Store) Comments() ([]CommentRow, error) {
	rows, err := s.db.Query(`SELECT name, legacy_id, object, author, text, entry_time, expire_time FROM comments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommentRow
	for rows.Next() {
		var c CommentRow
		var entry, expire int64
		if err := rows.Scan(&c.Name, &c.LegacyID, &c.Object, &c.Author, &c.Text, &entry, &expire); err != nil {
			return nil, err
		}
		c.Entry = time.Unix(entry, 0)
		if expire != 0 {
			c.Expires = time.Unix(expire, 0)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DowntimeRow mirrors model.Downtime plus the object it's attached to.
type DowntimeRow struct {
	Name        string
	LegacyID    int
	Object      string
	Author      string
	Comment     string
	Start       time.Time
	End         time.Time
	Duration    time.Duration
	Fixed       bool
	TriggeredBy string
}

func (s *Store) PutDowntime(d DowntimeRow) error {
	fixed := 0
	if d.Fixed {
		fixed = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO downtimes (name, legacy_id, object, author, comment, start_time, end_time, duration_ns, fixed, triggered_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET end_time = excluded.end_time, duration_ns = excluded.duration_ns`,
		d.Name, d.LegacyID, d.Object, d.Author, d.Comment, d.Start.Unix(), d.End.Unix(), int64(d.Duration), fixed, d.TriggeredBy)
	return err
}

func (s *Store) DeleteDowntime(name string) error {
	_, err := s.db.Exec(`DELETE FROM downtimes WHERE name = ?`, name)
	return err
}

func (s *Store) Downtimes() ([]DowntimeRow, error) {
	rows, err := s.db.Query(`SELECT name, legacy_id, object, author, comment, start_time, end_time, duration_ns, fixed, triggered_by FROM downtimes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DowntimeRow
	for rows.Next() {
		var d DowntimeRow
		var start, end, durNS int64
		var fixed int
		if err := rows.Scan(&d.Name, &d.LegacyID, &d.Object, &d.Author, &d.Comment, &start, &end, &durNS, &fixed, &d.TriggeredBy); err != nil {
			return nil, err
		}
		d.Start = time.Unix(start, 0)
		d.End = time.Unix(end, 0)
		d.Duration = time.Duration(durNS)
		d.Fixed = fixed != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetAuthority persists which endpoint currently owns object, so a
// restarting node has a last-known answer to serve from before the
// next 30s election recompute (spec.md §4.F).
func (s *Store) SetAuthority(object, endpoint string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO authority_cache (object, endpoint, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(object) DO UPDATE SET endpoint = excluded.endpoint, updated_at = excluded.updated_at`,
		object, endpoint, at.Unix())
	return err
}

func (s *Store) Authority(object string) (endpoint string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT endpoint FROM authority_cache WHERE object = ?`, object).Scan(&endpoint)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return endpoint, true, nil
}
