package channels

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// mediaTokenPattern matches agent-emitted attachment references,
// one per line: [image: /path] or [document: /path].
var mediaTokenPattern = regexp.MustCompile(`(?m)^[ \t]*\[(image|document):[ \t]*([^\]]+)\][ \t]*$`)

// MediaRef is one outbound attachment extracted from a reply.
type MediaRef struct {
	Kind string // "image" or "document"
	Path string
}

// ExtractMediaTokens strips attachment references out of a reply and
// returns them alongside the cleaned text. References outside the
// sanctioned directory are dropped with a warning; the agent cannot
// make the bot exfiltrate arbitrary files.
func ExtractMediaTokens(text, sanctionedDir string) (string, []MediaRef) {
	var refs []MediaRef
	clean := mediaTokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := mediaTokenPattern.FindStringSubmatch(match)
		kind, path := groups[1], strings.TrimSpace(groups[2])
		if !pathInside(path, sanctionedDir) {
			slog.Warn("attachment reference outside sanctioned dir dropped", "kind", kind, "path", path)
			return ""
		}
		if _, err := os.Stat(path); err != nil {
			slog.Warn("attachment reference unreadable", "kind", kind, "path", path, "error", err)
			return ""
		}
		refs = append(refs, MediaRef{Kind: kind, Path: path})
		return ""
	})

	// Collapse the blank lines the removed tokens leave behind.
	for strings.Contains(clean, "\n\n\n") {
		clean = strings.ReplaceAll(clean, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(clean), refs
}

func pathInside(path, dir string) bool {
	if dir == "" {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Reaper deletes downloaded attachments once they outlive their TTL.
type Reaper struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
}

// NewReaper builds a Reaper over the attachments directory.
func NewReaper(dir string, ttl, interval time.Duration) *Reaper {
	return &Reaper{dir: dir, ttl: ttl, interval: interval}
}

// Run sweeps on the configured interval until the context ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.Debug("attachments reaped", "count", n)
			}
		}
	}
}

// Sweep deletes expired files and returns how many were removed.
func (r *Reaper) Sweep() int {
	cutoff := time.Now().Add(-r.ttl)
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("attachments dir unreadable", "dir", r.dir, "error", err)
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, entry.Name())); err != nil {
			slog.Warn("attachment removal failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}
