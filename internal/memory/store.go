package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store owns the on-disk memory layout under <home>/memory:
//
//	threads/<threadKey>.jsonl — per-thread append log, one event per line
//	state.json                — curation state
//	index.db                  — sqlite keyword index (optional)
type Store struct {
	dir   string
	index *Index // nil when the index failed to open

	mu sync.Mutex // serializes appends and curation writes
}

// NewStore opens the memory store rooted at dir, creating it as needed.
// An index open failure is logged by the caller and leaves retrieval on
// the recency fallback; it never fails store construction.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "threads"), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	s := &Store{dir: dir}
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err == nil {
		s.index = idx
	}
	return s, nil
}

// Close releases the retrieval index.
func (s *Store) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

// threadPath maps a thread key to its JSONL file. Colons are legal in
// file names on Linux but kept readable by swapping to underscores.
func (s *Store) threadPath(threadKey string) string {
	name := strings.ReplaceAll(threadKey, ":", "_") + ".jsonl"
	return filepath.Join(s.dir, "threads", name)
}

// AppendEvent appends one event to its thread log and mirrors it into
// the retrieval index. Returns the first I/O error; callers treat
// appends as fail-soft and only log failures.
func (s *Store) AppendEvent(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(s.threadPath(ev.ThreadKey), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open thread log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if s.index != nil {
		if err := s.index.Insert(ev); err != nil {
			return fmt.Errorf("index event: %w", err)
		}
	}
	return nil
}

// Tail returns the most recent limit events of a thread in
// chronological order. A missing log yields an empty slice.
func (s *Store) Tail(threadKey string, limit int) []Event {
	if limit <= 0 {
		return nil
	}
	events := s.readAll(threadKey)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// readAll parses every valid line of a thread log. Corrupt lines are
// skipped so one bad write cannot poison the whole thread.
func (s *Store) readAll(threadKey string) []Event {
	f, err := os.Open(s.threadPath(threadKey))
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// ThreadKeys lists every thread that has a log file.
func (s *Store) ThreadKeys() []string {
	entries, err := os.ReadDir(filepath.Join(s.dir, "threads"))
	if err != nil {
		return nil
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.ReplaceAll(strings.TrimSuffix(name, ".jsonl"), "_", ":"))
	}
	sort.Strings(keys)
	return keys
}

// Bootstrap formats the recent tail of a thread as a compact preamble
// block for prompt injection.
func (s *Store) Bootstrap(threadKey string, limit int) string {
	events := s.Tail(threadKey, limit)
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(string(ev.Role))
		b.WriteString(": ")
		b.WriteString(ev.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
