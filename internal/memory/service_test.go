package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	home := t.TempDir()
	store, err := NewStore(filepath.Join(home, "memory"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	cfg.Home = home
	return NewService(store, cfg)
}

func TestService_CaptureStripsAttachmentTokens(t *testing.T) {
	svc := newTestService(t, ServiceConfig{CurateEvery: 100})
	svc.Capture(Event{
		ThreadKey: "1:root:claude",
		Role:      RoleUser,
		Kind:      KindImage,
		Text:      "mira esto [image: /tmp/att/foto.png] qué opinas",
	})

	tail := svc.Tail("1:root:claude", 1)
	if len(tail) != 1 {
		t.Fatal("event not captured")
	}
	if strings.Contains(tail[0].Text, "[image:") {
		t.Errorf("attachment token kept: %q", tail[0].Text)
	}
	if !strings.Contains(tail[0].Text, "qué opinas") {
		t.Errorf("surrounding text lost: %q", tail[0].Text)
	}
}

func TestService_CaptureTruncates(t *testing.T) {
	svc := newTestService(t, ServiceConfig{CurateEvery: 100, CaptureMaxChars: 10})
	svc.Capture(Event{ThreadKey: "1:root:claude", Role: RoleUser, Text: strings.Repeat("x", 50)})

	tail := svc.Tail("1:root:claude", 1)
	if want := strings.Repeat("x", 10) + "…"; tail[0].Text != want {
		t.Errorf("Text = %q, want %q", tail[0].Text, want)
	}
}

func TestService_CurateTriggeredEveryN(t *testing.T) {
	svc := newTestService(t, ServiceConfig{CurateEvery: 3, CurateMaxBytes: 10_000})
	for i := 0; i < 3; i++ {
		svc.Capture(Event{ThreadKey: "1:root:claude", Role: RoleUser, Text: "evento importante"})
	}
	svc.Wait()

	data, err := os.ReadFile(filepath.Join(svc.cfg.Home, "memory.md"))
	if err != nil {
		t.Fatalf("digest not written after curation trigger: %v", err)
	}
	if !strings.Contains(string(data), "evento importante") {
		t.Errorf("digest missing curated event:\n%s", data)
	}
}

func TestService_BootstrapSectionsAndCompact(t *testing.T) {
	svc := newTestService(t, ServiceConfig{CurateEvery: 100})
	home := svc.cfg.Home

	longSoul := strings.Repeat("s", 2000)
	os.WriteFile(filepath.Join(home, "soul.md"), []byte(longSoul), 0o600)
	os.WriteFile(filepath.Join(home, "tools.md"), []byte("tool list"), 0o600)
	os.WriteFile(filepath.Join(home, "memory.md"), []byte("curated notes"), 0o600)
	svc.Capture(Event{ThreadKey: "1:root:claude", Role: RoleUser, Text: "hola", Timestamp: time.Now()})

	full := svc.Bootstrap("1:root:claude", false)
	for _, marker := range []string{"<soul>", "</soul>", "<tools>", "</tools>", "<memory>", "</memory>", "<recent-conversation>", "</recent-conversation>"} {
		if !strings.Contains(full, marker) {
			t.Errorf("full bootstrap missing %s", marker)
		}
	}
	if !strings.Contains(full, longSoul) {
		t.Error("full bootstrap truncated soul")
	}

	compact := svc.Bootstrap("1:root:claude", true)
	if strings.Contains(compact, longSoul) {
		t.Error("compact bootstrap kept full soul")
	}
	if !strings.Contains(compact, "curated notes") {
		t.Error("compact bootstrap dropped memory section")
	}
	if !strings.Contains(compact, "user: hola") {
		t.Error("compact bootstrap dropped tail")
	}
}

func TestService_BootstrapEmptyWhenNothingExists(t *testing.T) {
	svc := newTestService(t, ServiceConfig{CurateEvery: 100})
	if got := svc.Bootstrap("1:root:claude", false); got != "" {
		t.Errorf("Bootstrap on empty state = %q", got)
	}
}
