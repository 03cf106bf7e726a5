// Package runner is the agent invocation pipeline: prompt assembly,
// subprocess execution, output parsing, session lifecycle, rotation,
// stale-session recovery and token accounting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/CristianCarreira/aipal/internal/agents"
	"github.com/CristianCarreira/aipal/internal/memory"
	"github.com/CristianCarreira/aipal/internal/threads"
	"github.com/CristianCarreira/aipal/internal/tokens"
)

const (
	// retrievalMinChars gates retrieval on prompts with at least this
	// many non-whitespace characters.
	retrievalMinChars = 15

	// retrievalKeyHead bounds the prompt head used in cache keys.
	retrievalKeyHead = 200

	retrievalCacheTTL = 60 * time.Second
	retrievalCacheCap = 128
)

// fileInstructions tell the agent how to format replies and reference
// attachments. Sent on new and rotated threads, refreshed periodically.
const fileInstructions = `Reply in plain conversational text without markdown headers.
To send an image back, put [image: <absolute path>] on its own line.
To send a file back, put [document: <absolute path>] on its own line.
Attachments you receive live under the aipal attachments directory; reference them by the exact path given.`

// MemoryService is the narrow slice of the memory subsystem the
// runner consumes.
type MemoryService interface {
	Bootstrap(threadKey string, compact bool) string
	Retrieve(q memory.RetrieveQuery) []memory.Event
}

// TokenSink receives accounting events.
type TokenSink interface {
	Track(tokens.Event)
}

// Config tunes the pipeline.
type Config struct {
	Timeout               time.Duration
	MaxBuffer             int
	RotationTurns         int // 0 = no turn-based rotation
	MaxContextChars       int // 0 = no context-based rotation
	FileInstructionsEvery int // refresh period in turns
	RetrievalLimit        int
	DefaultThinking       string
}

// Attachment is a file reference injected into the prompt.
type Attachment struct {
	Kind memory.Kind
	Path string
}

// Request is one chat or one-shot invocation.
type Request struct {
	ChatID      int64
	TopicID     int
	Agent       string // explicit override; "" = per-topic override, then default
	Prompt      string
	Model       string // explicit override; "" = configured model for the agent
	Thinking    string
	Source      string // token accounting source: "chat", "cron", "task"
	Cwd         string
	Attachments []Attachment
}

// Response is the outcome of a completed run.
type Response struct {
	Text      string
	AgentID   string
	ThreadKey string
	SessionID string
	Rotated   bool
	NewThread bool
}

// ExecFunc runs a shell command; injectable for tests.
type ExecFunc func(ctx context.Context, command string, opts ExecOptions) (string, error)

// Runner owns the per-thread mutable state (turn counters, accumulated
// context sizes, retrieval cache) and drives the pipeline.
type Runner struct {
	registry  *agents.Registry
	threads   *threads.Store
	overrides *threads.Overrides
	mem       MemoryService
	tokens    TokenSink
	cfg       Config

	defaultAgent func() string
	modelFor     func(agent string) string

	mu      sync.Mutex
	turns   map[string]int
	ctxSize map[string]int

	cache *retrievalCache
	exec  ExecFunc

	persistWG sync.WaitGroup
}

// Options wires a Runner.
type Options struct {
	Registry     *agents.Registry
	Threads      *threads.Store
	Overrides    *threads.Overrides
	Memory       MemoryService
	Tokens       TokenSink
	Config       Config
	DefaultAgent func() string
	ModelFor     func(agent string) string
	Exec         ExecFunc // nil = Execute
}

// New builds a Runner.
func New(opts Options) *Runner {
	execFn := opts.Exec
	if execFn == nil {
		execFn = Execute
	}
	if opts.Config.FileInstructionsEvery <= 0 {
		opts.Config.FileInstructionsEvery = 5
	}
	if opts.Config.RetrievalLimit <= 0 {
		opts.Config.RetrievalLimit = 6
	}
	return &Runner{
		registry:     opts.Registry,
		threads:      opts.Threads,
		overrides:    opts.Overrides,
		mem:          opts.Memory,
		tokens:       opts.Tokens,
		cfg:          opts.Config,
		defaultAgent: opts.DefaultAgent,
		modelFor:     opts.ModelFor,
		turns:        map[string]int{},
		ctxSize:      map[string]int{},
		cache:        newRetrievalCache(retrievalCacheTTL, retrievalCacheCap),
		exec:         execFn,
	}
}

// ResolveAgent applies the override chain: explicit, per-topic, default.
func (r *Runner) ResolveAgent(req Request) string {
	if req.Agent != "" {
		return req.Agent
	}
	if r.overrides != nil {
		if agent := r.overrides.Get(threads.TopicKey(req.ChatID, req.TopicID)); agent != "" {
			return agent
		}
	}
	return r.defaultAgent()
}

// Reset clears the session, turn counter and context size for one
// conversation (user-issued /reset).
func (r *Runner) Reset(chatID int64, topicID int, agentID string) {
	key := threads.ThreadKey(chatID, topicID, agentID)
	r.threads.ClearKey(key)
	r.mu.Lock()
	r.turns[key] = 0
	delete(r.ctxSize, key)
	r.mu.Unlock()
	r.persistThreadsAsync()
}

// TurnCount reports the current turn counter for a thread key.
func (r *Runner) TurnCount(threadKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns[threadKey]
}

// ContextSize reports the accumulated context chars for a thread key.
func (r *Runner) ContextSize(threadKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxSize[threadKey]
}

// Wait blocks until asynchronous persistence settles. Shutdown/tests.
func (r *Runner) Wait() { r.persistWG.Wait() }

// OneShot runs an ephemeral invocation: no session continuity, no
// bootstrap, no memory. Token accounting still applies.
func (r *Runner) OneShot(ctx context.Context, req Request) (string, error) {
	agentID := r.ResolveAgent(req)
	adapter, err := r.registry.Get(agentID)
	if err != nil {
		return "", err
	}

	prompt := req.Prompt
	estimate := estimateTokens(prompt)
	r.tokens.Track(tokens.Event{ChatID: req.ChatID, InputTokens: estimate, Source: req.Source, AgentID: agentID})

	out, err := r.runAgent(ctx, adapter, agents.BuildInput{
		Prompt:   prompt,
		Model:    r.resolveModel(req, agentID),
		Thinking: r.resolveThinking(req),
	}, req.Cwd)
	if err != nil {
		return "", err
	}

	parsed := adapter.ParseOutput(out)
	r.trackCompletion(req, agentID, estimate, parsed)

	text := parsed.Text
	if text == "" {
		text = strings.TrimSpace(out)
	}
	return text, nil
}

// Chat is the full pipeline with session continuity, bootstrap,
// retrieval, rotation and stale-session recovery.
func (r *Runner) Chat(ctx context.Context, req Request) (*Response, error) {
	agentID := r.ResolveAgent(req)
	adapter, err := r.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	res := r.threads.Resolve(req.ChatID, req.TopicID, agentID)
	key := res.ThreadKey
	sessionID := res.SessionID
	if res.Migrated {
		r.persistThreadsAsync()
	}

	r.mu.Lock()
	r.turns[key]++
	turn := r.turns[key]
	size, hasSize := r.ctxSize[key]
	r.mu.Unlock()

	rotated := false
	if sessionID != "" {
		if reason := r.rotationReason(turn, size, hasSize); reason != "" {
			slog.Info("thread rotated", "thread", key, "reason", reason, "turn", turn, "context_chars", size)
			rotated = true
			sessionID = ""
			r.threads.ClearKey(key)
			r.mu.Lock()
			r.turns[key] = 1
			r.ctxSize[key] = 0
			r.mu.Unlock()
			turn, size = 1, 0
			r.persistThreadsAsync()
		}
	}
	newThread := sessionID == "" && !rotated

	response := &Response{AgentID: agentID, ThreadKey: key, Rotated: rotated, NewThread: newThread}

	prompt := r.assemblePrompt(req, key, agentID, turn, newThread, rotated)
	var parsed agents.ParseResult

	for attempt := 0; ; attempt++ {
		estimate := estimateTokens(prompt) + size/4
		// A stale-session retry re-sends the same user message, so its
		// dispatch event is a correction: tokens count, the message does not.
		r.tokens.Track(tokens.Event{ChatID: req.ChatID, InputTokens: estimate, Source: req.Source, AgentID: agentID, Correction: attempt > 0})

		out, err := r.runAgent(ctx, adapter, agents.BuildInput{
			Prompt:    prompt,
			SessionID: sessionID,
			Model:     r.resolveModel(req, agentID),
			Thinking:  r.resolveThinking(req),
		}, req.Cwd)
		if err != nil {
			return nil, err
		}

		parsed = adapter.ParseOutput(out)

		// One-shot stale-session recovery: the agent rejected the
		// session id we resumed with. Clear it and retry as a fresh
		// rotated thread.
		if attempt == 0 && sessionID != "" && !parsed.SawJSON && matchesStaleHints(out, agents.StaleHintsFor(adapter)) {
			slog.Warn("stale session detected", "thread", key, "session", sessionID)
			r.threads.ClearKey(key)
			r.mu.Lock()
			r.turns[key] = 1
			r.ctxSize[key] = 0
			r.mu.Unlock()
			turn, size = 1, 0
			sessionID = ""
			rotated = true
			response.Rotated, response.NewThread = true, false
			r.persistThreadsAsync()
			prompt = r.assemblePrompt(req, key, agentID, turn, false, true)
			continue
		}

		// Session-list fallback: the run succeeded but no session id
		// was reported; ask the agent for its latest session.
		if parsed.SessionID == "" {
			if lister, ok := adapter.(agents.SessionLister); ok {
				parsed.SessionID = r.latestSessionID(ctx, adapter, lister, req.Cwd)
			}
		}

		if parsed.SessionID != "" && parsed.SessionID != res.SessionID {
			r.threads.Set(key, parsed.SessionID)
			r.persistThreadsAsync()
		}

		r.trackCompletion(req, agentID, estimate, parsed)

		text := parsed.Text
		if text == "" {
			text = strings.TrimSpace(out)
		}
		response.Text = text
		response.SessionID = parsed.SessionID

		r.mu.Lock()
		r.ctxSize[key] += len(prompt) + len(text)
		r.mu.Unlock()
		return response, nil
	}
}

// rotationReason decides whether a run with an active session must
// rotate. Evaluated only when a session id is present.
func (r *Runner) rotationReason(turn, size int, hasSize bool) string {
	if r.cfg.RotationTurns > 0 && turn >= r.cfg.RotationTurns {
		return "turn limit"
	}
	if r.cfg.MaxContextChars > 0 {
		if !hasSize {
			// Session id on disk but no in-memory size estimate: the
			// process restarted. Rotate rather than risk overflowing.
			return "unknown context size after restart"
		}
		if size >= r.cfg.MaxContextChars {
			return "context limit"
		}
	}
	return ""
}

// assemblePrompt builds the final prompt: optional bootstrap, the
// timestamped user prompt, optional retrieval fragment, periodic file
// instructions, and attachment references.
func (r *Runner) assemblePrompt(req Request, threadKey, agentID string, turn int, newThread, rotated bool) string {
	var parts []string

	if newThread || rotated {
		if bootstrap := r.mem.Bootstrap(threadKey, rotated); bootstrap != "" {
			parts = append(parts, bootstrap)
		}
	}

	userPrompt := fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04"), req.Prompt)
	parts = append(parts, userPrompt)

	if frag := r.retrievalFragment(req, agentID); frag != "" {
		parts = append(parts, "Relevant past context:\n"+frag)
	}

	if newThread || rotated || turn%r.cfg.FileInstructionsEvery == 0 {
		parts = append(parts, fileInstructions)
	}

	for _, att := range req.Attachments {
		parts = append(parts, fmt.Sprintf("[%s: %s]", att.Kind, att.Path))
	}

	return strings.Join(parts, "\n\n")
}

// retrievalFragment consults the retrieval cache, then the memory
// retriever, for prompts above the length gate. Fail-soft.
func (r *Runner) retrievalFragment(req Request, agentID string) string {
	if nonWhitespaceLen(req.Prompt) < retrievalMinChars {
		return ""
	}

	head := req.Prompt
	if len(head) > retrievalKeyHead {
		head = head[:retrievalKeyHead]
	}
	cacheKey := fmt.Sprintf("%d:%d:%s", req.ChatID, req.TopicID, head)

	if cached, ok := r.cache.get(cacheKey); ok {
		return cached
	}

	events := r.mem.Retrieve(memory.RetrieveQuery{
		Query:   req.Prompt,
		ChatID:  req.ChatID,
		TopicID: threads.TopicID(req.TopicID),
		AgentID: agentID,
		Limit:   r.cfg.RetrievalLimit,
	})

	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "- (%s) %s: %s\n", ev.Timestamp.Format("2006-01-02"), ev.Role, ev.Text)
	}
	frag := strings.TrimRight(b.String(), "\n")

	// Cache empty results too, as a suppression sentinel.
	r.cache.put(cacheKey, frag)
	return frag
}

// runAgent builds and executes the adapter command, tolerating
// non-zero exits that still produced stdout.
func (r *Runner) runAgent(ctx context.Context, adapter agents.Adapter, in agents.BuildInput, cwd string) (string, error) {
	command := adapter.BuildCommand(in)

	env := []string{agents.EnvPrompt + "=" + in.Prompt}
	if in.SessionID != "" {
		env = append(env, agents.EnvSessionID+"="+in.SessionID)
	}

	out, err := r.exec(ctx, command, ExecOptions{
		Timeout:     r.cfg.Timeout,
		MaxBuffer:   r.cfg.MaxBuffer,
		Env:         env,
		Dir:         cwd,
		NeedsPty:    adapter.NeedsPty(),
		MergeStderr: adapter.MergeStderr(),
	})
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) && strings.TrimSpace(execErr.Stdout) != "" &&
			!errors.Is(err, ErrTimeout) {
			// Agents often exit non-zero after printing a usable reply.
			slog.Warn("agent exited non-zero with output", "agent", adapter.ID(), "error", err)
			return execErr.Stdout, nil
		}
		return "", fmt.Errorf("agent %s: %w", adapter.ID(), err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("agent %s: %w", adapter.ID(), ErrEmptyOutput)
	}
	return out, nil
}

// latestSessionID runs the adapter's session listing with the same
// subprocess discipline. Fail-soft: any failure yields "".
func (r *Runner) latestSessionID(ctx context.Context, adapter agents.Adapter, lister agents.SessionLister, cwd string) string {
	out, err := r.exec(ctx, lister.ListSessionsCommand(), ExecOptions{
		Timeout:     r.cfg.Timeout,
		MaxBuffer:   r.cfg.MaxBuffer,
		Dir:         cwd,
		NeedsPty:    adapter.NeedsPty(),
		MergeStderr: adapter.MergeStderr(),
	})
	if err != nil {
		slog.Warn("session list failed", "agent", adapter.ID(), "error", err)
		return ""
	}
	ids := lister.ParseSessionList(out)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// trackCompletion emits the phase-2 accounting event: the correction
// delta when the agent reported real usage, otherwise an estimate of
// the response.
func (r *Runner) trackCompletion(req Request, agentID string, estimate int, parsed agents.ParseResult) {
	ev := tokens.Event{ChatID: req.ChatID, Source: req.Source, AgentID: agentID, CostUSD: parsed.CostUSD, Correction: true}
	if parsed.Usage != nil {
		ev.InputTokens = parsed.Usage.InputTokens - estimate
		ev.OutputTokens = parsed.Usage.OutputTokens
	} else {
		ev.OutputTokens = estimateTokens(parsed.Text)
	}
	r.tokens.Track(ev)
}

func (r *Runner) resolveModel(req Request, agentID string) string {
	if req.Model != "" {
		return req.Model
	}
	if r.modelFor != nil {
		return r.modelFor(agentID)
	}
	return ""
}

func (r *Runner) resolveThinking(req Request) string {
	if req.Thinking != "" {
		return req.Thinking
	}
	return r.cfg.DefaultThinking
}

// persistThreadsAsync saves the thread store off the hot path. The
// store serializes writers internally; failures only log.
func (r *Runner) persistThreadsAsync() {
	r.persistWG.Add(1)
	go func() {
		defer r.persistWG.Done()
		if err := r.threads.Save(); err != nil {
			slog.Warn("thread store persist failed", "error", err)
		}
	}()
}

// estimateTokens approximates tokens as chars/4.
func estimateTokens(s string) int { return len(s) / 4 }

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\r\n", r) {
			n++
		}
	}
	return n
}

func matchesStaleHints(output string, hints []string) bool {
	lower := strings.ToLower(output)
	for _, h := range hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}
