// Package agents defines the adapter strategy for the CLI AI agents the
// gateway shells out to. Each adapter knows how to build the command
// line for its agent and how to parse what the agent printed back.
package agents

import (
	"fmt"
	"sort"
	"sync"
)

// Env var names referenced as shell expansions in built commands.
// Prompts and session ids never appear literally in the command string.
const (
	EnvPrompt    = "AIPAL_PROMPT"
	EnvSessionID = "AIPAL_SESSION_ID"
)

// BuildInput carries everything an adapter needs to build a command.
// Expr fields, when non-empty, are shell expressions substituted as-is
// instead of the default env-var expansion.
type BuildInput struct {
	Prompt        string
	PromptExpr    string
	SessionID     string
	SessionIDExpr string
	Model         string
	Thinking      string
}

// Usage is structured token usage reported by an agent, when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ParseResult is the outcome of parsing an agent's raw output.
type ParseResult struct {
	Text      string
	SessionID string
	SawJSON   bool
	Usage     *Usage
	CostUSD   float64
}

// Adapter is the per-agent strategy. Implementations must be stateless:
// ParseOutput must be deterministic for identical raw bytes.
type Adapter interface {
	ID() string

	// BuildCommand produces a shell command line. Sensitive values are
	// referenced as ${AIPAL_*} expansions; literal values go through
	// ShellQuote.
	BuildCommand(in BuildInput) string

	// ParseOutput extracts the reply text, session id and usage from
	// the agent's stdout.
	ParseOutput(raw string) ParseResult

	// NeedsPty reports whether the agent requires a pseudo-terminal.
	NeedsPty() bool

	// MergeStderr reports whether stderr should be folded into stdout
	// before parsing.
	MergeStderr() bool

	// StaleSessionHints returns phrases (lowercase) that signal the
	// agent rejected a session id as unknown or expired. Empty slice
	// defers to the shared fallback list.
	StaleSessionHints() []string
}

// SessionLister is an optional capability: list existing sessions so
// the runner can recover an id the agent failed to report.
type SessionLister interface {
	ListSessionsCommand() string
	ParseSessionList(raw string) []string // newest first
}

// ModelLister is an optional capability: enumerate selectable models.
type ModelLister interface {
	ListModelsCommand() string
	ParseModelList(raw string) []string
}

// Registry holds the known adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// DefaultRegistry returns a registry with the built-in adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewClaude())
	r.Register(NewCodex())
	r.Register(NewGemini())
	r.Register(NewPlain("shell", "aichat"))
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.ID()] = a
	r.mu.Unlock()
}

// Get returns the adapter for an agent id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}
	return a, nil
}

// IDs returns the registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fallbackStaleHints are matched (case-insensitive) against agent
// output when an adapter has no hints of its own. Last-resort phrase
// matching; adapters with structured errors should override.
var fallbackStaleHints = []string{
	"no conversation found",
	"session not found",
	"conversation not found",
	"session expired",
	"unknown session",
	"invalid session",
}

// StaleHintsFor returns the effective stale-session phrase list for an
// adapter.
func StaleHintsFor(a Adapter) []string {
	if hints := a.StaleSessionHints(); len(hints) > 0 {
		return hints
	}
	return fallbackStaleHints
}
