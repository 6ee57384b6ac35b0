// Package replay implements the on-disk replay log from spec.md §4.I:
// timestamp-named segments, netstring-framed {timestamp, message, secobj?}
// records, size/time rotation, retention pruning, and the catch-up scan
// a reconnecting peer is replayed through.
//
// Unlike internal/audit.BufferedLogger, there is no batching: every
// record is written and flushed to the current segment file as it is
// appended, whatever its destination.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"wardend/internal/relay"
)

const (
	rotateAtMessages = 50000
	rotateInterval   = 15 * time.Minute
)

// Record is one entry appended to a segment.
type Record struct {
	Timestamp float64         `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
	SecObj    *relay.SecObj   `json:"secobj,omitempty"`
}

// Log is the on-disk replay log for one ApiListener. Segment files
// live at <dir>/<unix-ts>; the currently open segment is tracked
// in-memory (see DESIGN.md Open Question 3 for the timestamp/log_position
// monotonicity argument that makes ascending-filename scanning safe).
type Log struct {
	dir       string
	log       *zap.Logger
	retention time.Duration

	mu         sync.Mutex
	current    *os.File
	currentW   *bufio.Writer
	openedAt   time.Time
	count      int
	lastRotate time.Time
}

// Open creates or reuses dir and starts a fresh "current" segment,
// named by the moment it was opened.
func Open(dir string, retention time.Duration, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("replay: creating log dir: %w", err)
	}
	l := &Log{dir: dir, log: log, retention: retention}
	if err := l.openSegment(time.Now()); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) segmentPath(openedAt time.Time) string {
	return filepath.Join(l.dir, strconv.FormatInt(openedAt.Unix(), 10))
}

func (l *Log) openSegment(at time.Time) error {
	path := l.segmentPath(at)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("replay: opening segment %s: %w", path, err)
	}
	l.current = f
	l.currentW = bufio.NewWriter(f)
	l.openedAt = at
	l.count = 0
	l.lastRotate = at
	return nil
}

// Append writes one record to the current segment, rotating first if
// either the message-count or time trigger has fired. rawMessage must
// already be the JSON-encoded envelope.
func (l *Log) Append(ts time.Time, rawMessage []byte, secobj *relay.SecObj) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count >= rotateAtMessages || time.Since(l.lastRotate) >= rotateInterval {
		if err := l.rotateLocked(ts); err != nil {
			return err
		}
	}

	rec := Record{Timestamp: float64(ts.UnixNano()) / 1e9, Message: rawMessage, SecObj: secobj}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("replay: marshal record: %w", err)
	}
	if _, err := l.currentW.WriteString(strconv.Itoa(len(data)) + ":"); err != nil {
		return err
	}
	if _, err := l.currentW.Write(data); err != nil {
		return err
	}
	if _, err := l.currentW.WriteString(","); err != nil {
		return err
	}
	l.count++
	return l.currentW.Flush()
}

func (l *Log) rotateLocked(at time.Time) error {
	if l.current != nil {
		l.currentW.Flush()
		l.current.Close()
	}
	return l.openSegment(at)
}

// Prune deletes segments entirely older than retention, called
// periodically (e.g. from the authority timer).
func (l *Log) Prune() error {
	cutoff := time.Now().Add(-l.retention)
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == "current" || e.IsDir() {
			continue
		}
		ts, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(ts, 0).Before(cutoff) {
			_ = os.Remove(filepath.Join(l.dir, e.Name()))
		}
	}
	return nil
}

// Close flushes and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	if err := l.currentW.Flush(); err != nil {
		return err
	}
	return l.current.Close()
}

// AccessChecker decides whether a record's secobj is visible to the
// replaying peer's zone, per spec.md §4.I step 3.
type AccessChecker interface {
	CanAccessObject(secobj *relay.SecObj) bool
}

// Sink receives raw envelope bytes during catch-up.
type Sink interface {
	SendRaw(raw []byte) error
	SetLogPosition(ts time.Time) error
}

// Replay streams every record with timestamp > since to sink, in
// ascending segment order, skipping segments that are entirely older
// than since and skipping individual records the peer's zone cannot
// access. Every ~10s of wall-clock replay progress it calls
// sink.SetLogPosition so the peer can persist a later resume point.
func (l *Log) Replay(since time.Time, access AccessChecker, sink Sink) error {
	segments, err := l.listSegmentsAscending()
	if err != nil {
		return err
	}

	lastReport := time.Now()
	var maxTs time.Time

	for _, seg := range segments {
		segOpenedAt := seg.openedAt
		if !seg.isCurrent && segOpenedAt.Add(rotateInterval).Before(since) {
			continue // entire segment predates the cursor
		}

		err := l.scanSegment(seg.path, func(rec Record) error {
			ts := time.Unix(0, int64(rec.Timestamp*1e9))
			if !ts.After(since) {
				return nil
			}
			if rec.SecObj != nil && access != nil && !access.CanAccessObject(rec.SecObj) {
				return nil
			}
			if err := sink.SendRaw(rec.Message); err != nil {
				return err
			}
			if ts.After(maxTs) {
				maxTs = ts
			}
			if time.Since(lastReport) >= 10*time.Second {
				if err := sink.SetLogPosition(maxTs); err != nil {
					return err
				}
				lastReport = time.Now()
			}
			return nil
		})
		if err != nil {
			l.log.Warn("replay: error scanning segment, skipping rest", zap.String("segment", seg.path), zap.Error(err))
			continue
		}
	}
	if !maxTs.IsZero() {
		return sink.SetLogPosition(maxTs)
	}
	return nil
}

type segmentRef struct {
	path      string
	openedAt  time.Time
	isCurrent bool
}

func (l *Log) listSegmentsAscending() ([]segmentRef, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	currentPath := ""
	if l.current != nil {
		currentPath = l.segmentPath(l.openedAt)
	}
	currentOpenedAt := l.openedAt
	l.mu.Unlock()

	var out []segmentRef
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ts, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		if path == currentPath {
			continue // added back below, marked isCurrent
		}
		out = append(out, segmentRef{path: path, openedAt: time.Unix(ts, 0)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].openedAt.Before(out[j].openedAt) })

	if currentPath != "" {
		out = append(out, segmentRef{path: currentPath, openedAt: currentOpenedAt, isCurrent: true})
	}
	return out, nil
}

// scanSegment reads one netstring-framed segment file, stopping at the
// first malformed record and logging a warning (spec.md §7:
// replay-log corruption policy: stop this segment, continue with the
// next).
func (l *Log) scanSegment(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		lenStr, err := r.ReadString(':')
		if err != nil {
			return nil // EOF or truncated trailing length: stop cleanly
		}
		n, err := strconv.Atoi(lenStr[:len(lenStr)-1])
		if err != nil || n < 0 {
			l.log.Warn("replay: corrupt netstring length, stopping segment", zap.String("segment", path))
			return nil
		}
		buf := make([]byte, n)
		if _, err := readFullBuf(r, buf); err != nil {
			l.log.Warn("replay: truncated record, stopping segment", zap.String("segment", path))
			return nil
		}
		comma := make([]byte, 1)
		if _, err := readFullBuf(r, comma); err != nil || comma[0] != ',' {
			l.log.Warn("replay: malformed terminator, stopping segment", zap.String("segment", path))
			return nil
		}
		var rec Record
		if err := json.Unmarshal(buf, &rec); err != nil {
			l.log.Warn("replay: bad JSON in record, stopping segment", zap.String("segment", path), zap.Error(err))
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func readFullBuf(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
