package replay

import (
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"wardend/internal/relay"
)

type fakeAccess struct {
	deny map[string]bool
}

func (a *fakeAccess) CanAccessObject(secobj *relay.SecObj) bool {
	if a.deny == nil || secobj == nil {
		return true
	}
	return !a.deny[secobj.Name]
}

type recordingSink struct {
	raws      [][]byte
	positions []time.Time
}

func (s *recordingSink) SendRaw(raw []byte) error {
	s.raws = append(s.raws, raw)
	return nil
}
func (s *recordingSink) SetLogPosition(ts time.Time) error {
	s.positions = append(s.positions, ts)
	return nil
}

func TestAppendAndReplaySinceCursor(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		msg, _ := json.Marshal(map[string]int{"i": i})
		if err := l.Append(base.Add(time.Duration(i)*time.Second), msg, nil); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	sink := &recordingSink{}
	since := base.Add(2 * time.Second)
	if err := l.Replay(since, nil, sink); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(sink.raws) != 2 {
		t.Fatalf("expected 2 records after cursor, got %d", len(sink.raws))
	}
	if len(sink.positions) == 0 {
		t.Fatal("expected at least one SetLogPosition call")
	}
}

func TestReplayFiltersInaccessibleSecObj(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	base := time.Unix(1700000000, 0)
	msgA, _ := json.Marshal(map[string]string{"obj": "a"})
	msgB, _ := json.Marshal(map[string]string{"obj": "b"})
	l.Append(base, msgA, &relay.SecObj{Type: "Host", Name: "a"})
	l.Append(base.Add(time.Second), msgB, &relay.SecObj{Type: "Host", Name: "b"})

	sink := &recordingSink{}
	access := &fakeAccess{deny: map[string]bool{"b": true}}
	if err := l.Replay(base.Add(-time.Second), access, sink); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(sink.raws) != 1 {
		t.Fatalf("expected 1 visible record, got %d", len(sink.raws))
	}
}

func TestPruneRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	oldPath := dir + "/" + timeToName(old)
	if err := os.WriteFile(oldPath, []byte{}, 0640); err != nil {
		t.Fatalf("seed old segment: %v", err)
	}

	l, err := Open(dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("expected old segment to be pruned")
	}
}

func timeToName(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
