package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogPositionRoundTrip(t *testing.T) {
	s := openTest(t)

	if pos, err := s.LogPosition("sat1-a"); err != nil || pos != 0 {
		t.Fatalf("expected zero-value cursor for unseen endpoint, got %v err %v", pos, err)
	}

	if err := s.SetLogPosition("sat1-a", 12345.5); err != nil {
		t.Fatalf("SetLogPosition: %v", err)
	}
	if err := s.SetLogPosition("sat1-a", 12400.0); err != nil {
		t.Fatalf("SetLogPosition update: %v", err)
	}

	pos, err := s.LogPosition("sat1-a")
	if err != nil {
		t.Fatalf("LogPosition: %v", err)
	}
	if pos != 12400.0 {
		t.Fatalf("expected updated cursor 12400.0, got %v", pos)
	}
}

func TestCommentRoundTripAndDelete(t *testing.T) {
	s := openTest(t)

	c := CommentRow{
		Name: "c-1", LegacyID: 1, Object: "web1", Author: "alice",
		Text: "investigating", Entry: time.Now().Truncate(time.Second),
	}
	if err := s.PutComment(c); err != nil {
		t.Fatalf("PutComment: %v", err)
	}

	got, err := s.Comments()
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	if len(got) != 1 || got[0].Text != "investigating" {
		t.Fatalf("unexpected comments: %+v", got)
	}

	if err := s.DeleteComment("c-1"); err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	got, err = s.Comments()
	if err != nil {
		t.Fatalf("Comments after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no comments after delete, got %d", len(got))
	}
}

func TestDowntimeRoundTrip(t *testing.T) {
	s := openTest(t)

	now := time.Now().Truncate(time.Second)
	d := DowntimeRow{
		Name: "d-1", Object: "web1!http", Author: "alice", Comment: "maintenance",
		Start: now, End: now.Add(time.Hour), Fixed: true,
	}
	if err := s.PutDowntime(d); err != nil {
		t.Fatalf("PutDowntime: %v", err)
	}

	got, err := s.Downtimes()
	if err != nil {
		t.Fatalf("Downtimes: %v", err)
	}
	if len(got) != 1 || !got[0].Fixed {
		t.Fatalf("unexpected downtimes: %+v", got)
	}
}

func TestAuthorityCachePersistsLatestOwner(t *testing.T) {
	s := openTest(t)

	now := time.Now()
	if err := s.SetAuthority("web1", "master-a", now); err != nil {
		t.Fatalf("SetAuthority: %v", err)
	}
	if err := s.SetAuthority("web1", "master-b", now.Add(time.Minute)); err != nil {
		t.Fatalf("SetAuthority update: %v", err)
	}

	ep, ok, err := s.Authority("web1")
	if err != nil {
		t.Fatalf("Authority: %v", err)
	}
	if !ok || ep != "master-b" {
		t.Fatalf("expected master-b, got %q ok=%v", ep, ok)
	}

	if _, ok, err := s.Authority("unknown"); err != nil || ok {
		t.Fatalf("expected no entry for unknown object, got ok=%v err=%v", ok, err)
	}
}
