package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Marker tokens delimiting the auto-curated section inside memory.md.
// Everything outside the markers is user-authored and survives
// re-curation verbatim.
const (
	AutoBegin = "<!-- aipal:auto:begin -->"
	AutoEnd   = "<!-- aipal:auto:end -->"
)

// curationTailPerThread bounds how many recent events per thread feed
// one curation pass.
const curationTailPerThread = 30

// CurationState records the outcome of the last curation pass,
// persisted as memory/state.json.
type CurationState struct {
	EventsProcessed int       `json:"eventsProcessed"`
	Bytes           int       `json:"bytes"`
	LastCuratedAt   time.Time `json:"lastCuratedAt"`
}

// Curate rebuilds the auto section of the digest file from recent
// events across all threads, bounded to maxBytes, preserving the
// manual section. digestPath is the user-visible memory.md.
func (s *Store) Curate(digestPath string, maxBytes int) (CurationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxBytes <= 0 {
		maxBytes = 12_000
	}

	auto, processed := s.buildAutoSection(maxBytes)

	existing, err := os.ReadFile(digestPath)
	if err != nil && !os.IsNotExist(err) {
		return CurationState{}, fmt.Errorf("read digest: %w", err)
	}

	merged := spliceAutoSection(string(existing), auto)
	if err := os.WriteFile(digestPath, []byte(merged), 0o600); err != nil {
		return CurationState{}, fmt.Errorf("write digest: %w", err)
	}

	state := CurationState{
		EventsProcessed: processed,
		Bytes:           len(auto),
		LastCuratedAt:   time.Now(),
	}
	if data, err := json.Marshal(state); err == nil {
		// state.json is advisory; a failed write only costs a stale stat.
		_ = os.WriteFile(filepath.Join(s.dir, "state.json"), data, 0o600)
	}
	return state, nil
}

// LoadCurationState reads memory/state.json. Missing file yields the
// zero state.
func (s *Store) LoadCurationState() CurationState {
	var state CurationState
	data, err := os.ReadFile(filepath.Join(s.dir, "state.json"))
	if err != nil {
		return state
	}
	_ = json.Unmarshal(data, &state)
	return state
}

// buildAutoSection renders recent events from all threads, newest
// threads last, truncated to maxBytes on a line boundary.
func (s *Store) buildAutoSection(maxBytes int) (string, int) {
	type threadBlock struct {
		key    string
		latest time.Time
		lines  []string
	}

	var blocks []threadBlock
	processed := 0
	for _, key := range s.ThreadKeys() {
		events := s.Tail(key, curationTailPerThread)
		if len(events) == 0 {
			continue
		}
		blk := threadBlock{key: key, latest: events[len(events)-1].Timestamp}
		for _, ev := range events {
			text := strings.TrimSpace(ev.Text)
			if text == "" {
				continue
			}
			blk.lines = append(blk.lines, fmt.Sprintf("- [%s] %s: %s",
				ev.Timestamp.Format("2006-01-02"), ev.Role, text))
			processed++
		}
		blocks = append(blocks, blk)
	}

	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].latest.Equal(blocks[j].latest) {
			return blocks[i].latest.Before(blocks[j].latest)
		}
		return blocks[i].key < blocks[j].key
	})

	var b strings.Builder
	for _, blk := range blocks {
		b.WriteString("## ")
		b.WriteString(blk.key)
		b.WriteString("\n")
		for _, line := range blk.lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	auto := strings.TrimRight(b.String(), "\n")
	if len(auto) > maxBytes {
		cut := auto[len(auto)-maxBytes:]
		// Keep whole lines only: the oldest entries are the ones dropped.
		if idx := strings.IndexByte(cut, '\n'); idx >= 0 {
			cut = cut[idx+1:]
		}
		auto = cut
	}
	return auto, processed
}

// spliceAutoSection replaces the marker-delimited auto section of the
// digest, appending the markers when absent. Manual content outside the
// markers is preserved byte for byte.
func spliceAutoSection(existing, auto string) string {
	block := AutoBegin + "\n" + auto + "\n" + AutoEnd

	begin := strings.Index(existing, AutoBegin)
	end := strings.Index(existing, AutoEnd)
	if begin >= 0 && end > begin {
		return existing[:begin] + block + existing[end+len(AutoEnd):]
	}

	if strings.TrimSpace(existing) == "" {
		return block + "\n"
	}
	return strings.TrimRight(existing, "\n") + "\n\n" + block + "\n"
}
