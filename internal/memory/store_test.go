package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ev(threadKey string, role Role, text string, ts time.Time) Event {
	return Event{
		ThreadKey: threadKey,
		ChatID:    12345,
		TopicID:   "root",
		AgentID:   "claude",
		Role:      role,
		Kind:      KindText,
		Text:      text,
		Timestamp: ts,
	}
}

func TestStore_AppendAndTail(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := ev("12345:root:claude", RoleUser, fmt.Sprintf("mensaje %d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.AppendEvent(e); err != nil {
			t.Fatal(err)
		}
	}

	tail := s.Tail("12345:root:claude", 3)
	if len(tail) != 3 {
		t.Fatalf("Tail len = %d, want 3", len(tail))
	}
	// Chronological order, most recent last.
	if tail[0].Text != "mensaje 2" || tail[2].Text != "mensaje 4" {
		t.Errorf("Tail order wrong: %q … %q", tail[0].Text, tail[2].Text)
	}
}

func TestStore_TailMissingThread(t *testing.T) {
	s := newTestStore(t)
	if got := s.Tail("999:root:claude", 10); len(got) != 0 {
		t.Errorf("Tail of missing thread = %d events", len(got))
	}
}

func TestStore_SkipsCorruptLines(t *testing.T) {
	s := newTestStore(t)
	key := "12345:root:claude"
	if err := s.AppendEvent(ev(key, RoleUser, "good", time.Now())); err != nil {
		t.Fatal(err)
	}
	// Corrupt the log by hand.
	f, err := os.OpenFile(s.threadPath(key), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{broken json\n")
	f.Close()
	if err := s.AppendEvent(ev(key, RoleAssistant, "after", time.Now())); err != nil {
		t.Fatal(err)
	}

	tail := s.Tail(key, 10)
	if len(tail) != 2 {
		t.Fatalf("Tail len = %d, want 2 (corrupt line skipped)", len(tail))
	}
}

func TestStore_Bootstrap(t *testing.T) {
	s := newTestStore(t)
	key := "12345:root:claude"
	now := time.Now()
	s.AppendEvent(ev(key, RoleUser, "Hola", now))
	s.AppendEvent(ev(key, RoleAssistant, "Buenas", now.Add(time.Second)))

	got := s.Bootstrap(key, 10)
	want := "user: Hola\nassistant: Buenas"
	if got != want {
		t.Errorf("Bootstrap = %q, want %q", got, want)
	}
}

func TestCurate_PreservesManualSection(t *testing.T) {
	s := newTestStore(t)
	s.AppendEvent(ev("12345:root:claude", RoleUser, "recuerda esto", time.Now()))

	digest := filepath.Join(t.TempDir(), "memory.md")
	manual := "# My notes\n\nManual content stays.\n"
	if err := os.WriteFile(digest, []byte(manual), 0o600); err != nil {
		t.Fatal(err)
	}

	state, err := s.Curate(digest, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if state.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d", state.EventsProcessed)
	}

	data, _ := os.ReadFile(digest)
	content := string(data)
	if !strings.Contains(content, "Manual content stays.") {
		t.Error("manual section lost")
	}
	if !strings.Contains(content, AutoBegin) || !strings.Contains(content, AutoEnd) {
		t.Error("auto markers missing")
	}
	if !strings.Contains(content, "recuerda esto") {
		t.Error("auto section missing curated event")
	}

	// Second curation replaces only the auto section.
	s.AppendEvent(ev("12345:root:claude", RoleAssistant, "segunda pasada", time.Now()))
	if _, err := s.Curate(digest, 10_000); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(digest)
	content = string(data)
	if strings.Count(content, AutoBegin) != 1 {
		t.Errorf("auto section duplicated:\n%s", content)
	}
	if !strings.Contains(content, "Manual content stays.") {
		t.Error("manual section lost on re-curation")
	}
}

func TestCurate_BoundsAutoSection(t *testing.T) {
	s := newTestStore(t)
	long := strings.Repeat("palabra ", 50)
	for i := 0; i < 40; i++ {
		s.AppendEvent(ev("12345:root:claude", RoleUser, fmt.Sprintf("%d %s", i, long), time.Now()))
	}

	digest := filepath.Join(t.TempDir(), "memory.md")
	state, err := s.Curate(digest, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if state.Bytes > 2000 {
		t.Errorf("auto section bytes = %d, want <= 2000", state.Bytes)
	}
}

func TestSpliceAutoSection_EmptyFile(t *testing.T) {
	out := spliceAutoSection("", "body")
	if !strings.HasPrefix(out, AutoBegin) || !strings.Contains(out, "body") {
		t.Errorf("splice on empty = %q", out)
	}
}
