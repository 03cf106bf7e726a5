package threads

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestThreadKey(t *testing.T) {
	tests := []struct {
		name    string
		chatID  int64
		topicID int
		agentID string
		want    string
	}{
		{"root topic", 12345, 0, "claude", "12345:root:claude"},
		{"forum topic", -100987, 42, "gemini", "-100987:42:gemini"},
		{"negative chat root", -5, 0, "shell", "-5:root:shell"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ThreadKey(tt.chatID, tt.topicID, tt.agentID); got != tt.want {
				t.Errorf("ThreadKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTopicKey(t *testing.T) {
	if got := TopicKey(77, 0); got != "77:root" {
		t.Errorf("TopicKey(77, 0) = %q, want %q", got, "77:root")
	}
	if got := TopicKey(77, 9); got != "77:9" {
		t.Errorf("TopicKey(77, 9) = %q, want %q", got, "77:9")
	}
}

func TestParseThreadKey(t *testing.T) {
	chat, topic, agent, ok := ParseThreadKey("12345:root:claude")
	if !ok || chat != "12345" || topic != "root" || agent != "claude" {
		t.Fatalf("ParseThreadKey = (%q,%q,%q,%v)", chat, topic, agent, ok)
	}
	if _, _, _, ok := ParseThreadKey("12345:claude"); ok {
		t.Error("two-field key should not parse")
	}
}

func TestStore_ResolveSetClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}

	res := s.Resolve(12345, 0, "fake")
	if res.SessionID != "" {
		t.Errorf("fresh store returned session %q", res.SessionID)
	}

	s.Set(res.ThreadKey, "t-1")
	if got := s.Resolve(12345, 0, "fake").SessionID; got != "t-1" {
		t.Errorf("after Set: session = %q, want t-1", got)
	}

	s.Clear(12345, 0, "fake")
	if got := s.Resolve(12345, 0, "fake").SessionID; got != "" {
		t.Errorf("after Clear: session = %q, want empty", got)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")
	s, _ := NewStore(path)
	s.Set("12345:root:claude", "sess-a")
	s.Set("-100987:42:gemini", "sess-b")
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.Get("12345:root:claude"); got != "sess-a" {
		t.Errorf("reloaded session = %q, want sess-a", got)
	}
	if got := s2.Get("-100987:42:gemini"); got != "sess-b" {
		t.Errorf("reloaded session = %q, want sess-b", got)
	}
}

func TestStore_LegacyMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")
	legacy := map[string]string{
		"12345:claude":      "old-sess",
		"99:root:gemini":    "keep-sess",
		"12345:root:codex":  "other",
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}

	res := s.Resolve(12345, 0, "claude")
	if res.SessionID != "old-sess" {
		t.Errorf("migrated session = %q, want old-sess", res.SessionID)
	}
	if !res.Migrated {
		t.Error("Migrated flag not set after legacy key rewrite")
	}
	if got := s.Get("12345:claude"); got != "" {
		t.Errorf("legacy key still present: %q", got)
	}
	if got := s.Get("99:root:gemini"); got != "keep-sess" {
		t.Errorf("canonical key lost during migration: %q", got)
	}

	// Save clears the migration flag.
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if s.Resolve(12345, 0, "claude").Migrated {
		t.Error("Migrated flag should clear after Save")
	}
}

func TestStore_MigrationDoesNotClobberCanonical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")
	data, _ := json.Marshal(map[string]string{
		"12345:claude":      "legacy",
		"12345:root:claude": "canonical",
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Get("12345:root:claude"); got != "canonical" {
		t.Errorf("canonical entry overwritten by legacy: %q", got)
	}
}
