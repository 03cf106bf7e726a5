package memory

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// compactPreambleCap bounds soul/tools sections in compact bootstraps.
// Memory and tail sections are never truncated.
const compactPreambleCap = 800

// ServiceConfig tunes the memory service.
type ServiceConfig struct {
	Home            string // state root holding soul.md, tools.md, memory.md
	CurateEvery     int    // curation trigger period in captured events
	CaptureMaxChars int    // per-event text cap
	CurateMaxBytes  int    // auto section size bound
	TailLimit       int    // bootstrap tail length
}

// Service wraps the store with event capture, the auto-curation
// trigger, and bootstrap-context assembly.
type Service struct {
	store *Store
	cfg   ServiceConfig

	captured  atomic.Int64
	curating  atomic.Bool
	curateWG  sync.WaitGroup
}

// NewService builds the memory service over an open store.
func NewService(store *Store, cfg ServiceConfig) *Service {
	if cfg.CurateEvery <= 0 {
		cfg.CurateEvery = 20
	}
	if cfg.CaptureMaxChars <= 0 {
		cfg.CaptureMaxChars = 2000
	}
	if cfg.TailLimit <= 0 {
		cfg.TailLimit = 10
	}
	return &Service{store: store, cfg: cfg}
}

// attachmentTokens matches embedded attachment references like
// [image: /path/a.png] or [document: notes.pdf] injected into prompts.
var attachmentTokens = regexp.MustCompile(`\[(?:image|document|audio|voice):[^\]]*\]`)

// Capture records one conversational event. Fail-soft: storage errors
// are logged and never surface to the caller. Every CurateEvery
// captures a curation pass is kicked off asynchronously.
func (s *Service) Capture(ev Event) {
	text := attachmentTokens.ReplaceAllString(ev.Text, "")
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > s.cfg.CaptureMaxChars {
		text = string(runes[:s.cfg.CaptureMaxChars]) + "…"
	}
	ev.Text = text
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if ev.Text == "" {
		return
	}

	if err := s.store.AppendEvent(ev); err != nil {
		slog.Warn("memory capture failed", "thread", ev.ThreadKey, "error", err)
		return
	}

	if n := s.captured.Add(1); n%int64(s.cfg.CurateEvery) == 0 {
		s.triggerCurate()
	}
}

// triggerCurate starts an async curation pass unless one is running.
func (s *Service) triggerCurate() {
	if !s.curating.CompareAndSwap(false, true) {
		return
	}
	s.curateWG.Add(1)
	go func() {
		defer s.curateWG.Done()
		defer s.curating.Store(false)
		state, err := s.Curate()
		if err != nil {
			slog.Warn("memory curation failed", "error", err)
			return
		}
		slog.Info("memory curated",
			"events", state.EventsProcessed, "bytes", state.Bytes)
	}()
}

// Curate rebuilds the digest auto section now.
func (s *Service) Curate() (CurationState, error) {
	return s.store.Curate(s.digestPath(), s.cfg.CurateMaxBytes)
}

// Wait blocks until any in-flight curation pass finishes. Used on
// shutdown and by tests.
func (s *Service) Wait() { s.curateWG.Wait() }

func (s *Service) digestPath() string { return filepath.Join(s.cfg.Home, "memory.md") }
func (s *Service) soulPath() string   { return filepath.Join(s.cfg.Home, "soul.md") }
func (s *Service) toolsPath() string  { return filepath.Join(s.cfg.Home, "tools.md") }

// Tail exposes the recent events of a thread.
func (s *Service) Tail(threadKey string, limit int) []Event {
	return s.store.Tail(threadKey, limit)
}

// Retrieve exposes scoped retrieval.
func (s *Service) Retrieve(q RetrieveQuery) []Event {
	return s.store.Retrieve(q)
}

// Digest returns the current memory.md contents, "" when absent.
func (s *Service) Digest() string {
	return readFileString(s.digestPath())
}

func readFileString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Bootstrap assembles the bootstrap context for a thread: soul, tools,
// curated memory, and the thread tail, each wrapped in open/close
// markers. In compact mode soul and tools are truncated to a fixed
// ceiling; memory and tail are kept whole.
func (s *Service) Bootstrap(threadKey string, compact bool) string {
	var sections []string

	add := func(name, body string, truncate bool) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		if truncate && compact {
			if runes := []rune(body); len(runes) > compactPreambleCap {
				body = string(runes[:compactPreambleCap]) + "…"
			}
		}
		sections = append(sections, "<"+name+">\n"+body+"\n</"+name+">")
	}

	add("soul", readFileString(s.soulPath()), true)
	add("tools", readFileString(s.toolsPath()), true)
	add("memory", s.Digest(), false)
	add("recent-conversation", s.store.Bootstrap(threadKey, s.cfg.TailLimit), false)

	return strings.Join(sections, "\n\n")
}
