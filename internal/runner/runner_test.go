package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CristianCarreira/aipal/internal/agents"
	"github.com/CristianCarreira/aipal/internal/memory"
	"github.com/CristianCarreira/aipal/internal/threads"
	"github.com/CristianCarreira/aipal/internal/tokens"
)

// fakeAdapter records build calls and parses a tiny JSON envelope:
// {"text":"…","session_id":"…","usage":{"input":N,"output":N}}.
type fakeAdapter struct {
	mu     sync.Mutex
	builds []agents.BuildInput
}

func (f *fakeAdapter) ID() string                  { return "fake" }
func (f *fakeAdapter) NeedsPty() bool              { return false }
func (f *fakeAdapter) MergeStderr() bool           { return false }
func (f *fakeAdapter) StaleSessionHints() []string { return nil }

func (f *fakeAdapter) BuildCommand(in agents.BuildInput) string {
	f.mu.Lock()
	f.builds = append(f.builds, in)
	f.mu.Unlock()
	return "fake-agent"
}

func (f *fakeAdapter) ParseOutput(raw string) agents.ParseResult {
	var env struct {
		Text      string `json:"text"`
		SessionID string `json:"session_id"`
		Usage     *struct {
			Input  int `json:"input"`
			Output int `json:"output"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &env); err != nil {
		return agents.ParseResult{Text: strings.TrimSpace(raw)}
	}
	res := agents.ParseResult{Text: env.Text, SessionID: env.SessionID, SawJSON: true}
	if env.Usage != nil {
		res.Usage = &agents.Usage{InputTokens: env.Usage.Input, OutputTokens: env.Usage.Output}
	}
	return res
}

func (f *fakeAdapter) buildAt(i int) agents.BuildInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[i]
}

func (f *fakeAdapter) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.builds)
}

// scriptedExec returns canned outputs in order and records prompts.
type scriptedExec struct {
	mu      sync.Mutex
	outputs []string
	prompts []string
}

func (s *scriptedExec) exec(_ context.Context, _ string, opts ExecOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range opts.Env {
		if strings.HasPrefix(kv, agents.EnvPrompt+"=") {
			s.prompts = append(s.prompts, strings.TrimPrefix(kv, agents.EnvPrompt+"="))
		}
	}
	if len(s.outputs) == 0 {
		return `{"text":"default"}`, nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

// fakeMemory records bootstrap calls.
type fakeMemory struct {
	mu         sync.Mutex
	bootstraps []bool // compact flag per call
	retrieved  []memory.Event
	queries    int
}

func (m *fakeMemory) Bootstrap(_ string, compact bool) string {
	m.mu.Lock()
	m.bootstraps = append(m.bootstraps, compact)
	m.mu.Unlock()
	if compact {
		return "BOOTSTRAP-COMPACT"
	}
	return "BOOTSTRAP-FULL"
}

func (m *fakeMemory) Retrieve(memory.RetrieveQuery) []memory.Event {
	m.mu.Lock()
	m.queries++
	m.mu.Unlock()
	return m.retrieved
}

type tokenRecorder struct {
	mu     sync.Mutex
	events []tokens.Event
}

func (t *tokenRecorder) Track(ev tokens.Event) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
}

type fixture struct {
	runner  *Runner
	adapter *fakeAdapter
	exec    *scriptedExec
	mem     *fakeMemory
	toks    *tokenRecorder
	store   *threads.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := threads.NewStore(filepath.Join(t.TempDir(), "threads.json"))
	if err != nil {
		t.Fatal(err)
	}
	adapter := &fakeAdapter{}
	reg := agents.NewRegistry()
	reg.Register(adapter)

	ex := &scriptedExec{}
	mem := &fakeMemory{}
	toks := &tokenRecorder{}

	r := New(Options{
		Registry:     reg,
		Threads:      store,
		Memory:       mem,
		Tokens:       toks,
		Config:       cfg,
		DefaultAgent: func() string { return "fake" },
		Exec:         ex.exec,
	})
	t.Cleanup(r.Wait)
	return &fixture{runner: r, adapter: adapter, exec: ex, mem: mem, toks: toks, store: store}
}

func envelope(text, session string) string {
	return fmt.Sprintf(`{"text":%q,"session_id":%q}`, text, session)
}

// Scenario S1: thread continuity across two messages.
func TestChat_ThreadContinuity(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.exec.outputs = []string{
		envelope("Primera respuesta", "t-1"),
		envelope("Segunda respuesta", "t-1"),
	}

	resp1, err := f.runner.Chat(context.Background(), Request{ChatID: 12345, Prompt: "Hola equipo", Source: "chat"})
	if err != nil {
		t.Fatal(err)
	}
	if resp1.Text != "Primera respuesta" || !resp1.NewThread {
		t.Errorf("resp1 = %+v", resp1)
	}
	if got := f.adapter.buildAt(0).SessionID; got != "" {
		t.Errorf("first build carried session id %q", got)
	}

	resp2, err := f.runner.Chat(context.Background(), Request{ChatID: 12345, Prompt: "¿Seguimos?", Source: "chat"})
	if err != nil {
		t.Fatal(err)
	}
	if resp2.Text != "Segunda respuesta" || resp2.NewThread || resp2.Rotated {
		t.Errorf("resp2 = %+v", resp2)
	}
	if got := f.adapter.buildAt(1).SessionID; got != "t-1" {
		t.Errorf("second build session = %q, want t-1", got)
	}

	f.runner.Wait()
	if got := f.store.Get("12345:root:fake"); got != "t-1" {
		t.Errorf("persisted session = %q, want t-1", got)
	}
}

// Scenario S2: rotation by turn limit with compact bootstrap.
func TestChat_RotationByTurnLimit(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 3})
	f.exec.outputs = []string{
		envelope("r1", "t-1"),
		envelope("r2", "t-1"),
		envelope("r3", "t-2"),
	}

	for i := 0; i < 3; i++ {
		if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "msg", Source: "chat"}); err != nil {
			t.Fatal(err)
		}
	}

	if got := f.adapter.buildAt(0).SessionID; got != "" {
		t.Errorf("build 1 session = %q, want none (new)", got)
	}
	if got := f.adapter.buildAt(1).SessionID; got != "t-1" {
		t.Errorf("build 2 session = %q, want t-1", got)
	}
	if got := f.adapter.buildAt(2).SessionID; got != "" {
		t.Errorf("build 3 session = %q, want none (rotated)", got)
	}

	if len(f.mem.bootstraps) != 2 {
		t.Fatalf("bootstraps = %d, want 2", len(f.mem.bootstraps))
	}
	if f.mem.bootstraps[0] != false || f.mem.bootstraps[1] != true {
		t.Errorf("bootstrap compact flags = %v, want [false true]", f.mem.bootstraps)
	}

	// Invariant 3: after rotation the turn counter restarts at 1.
	if got := f.runner.TurnCount("1:root:fake"); got != 1 {
		t.Errorf("turn count after rotation = %d, want 1", got)
	}
}

// Scenario S3: rotation by accumulated context size.
func TestChat_RotationByContextSize(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100, MaxContextChars: 6000})
	big := strings.Repeat("x", 5000)
	f.exec.outputs = []string{
		envelope(big, "t-1"),
		envelope(big, "t-1"),
		envelope("small", "t-2"),
	}

	for i := 0; i < 3; i++ {
		if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"}); err != nil {
			t.Fatal(err)
		}
	}

	if got := f.adapter.buildAt(1).SessionID; got != "t-1" {
		t.Errorf("turn 2 should resume, got session %q", got)
	}
	if got := f.adapter.buildAt(2).SessionID; got != "" {
		t.Errorf("turn 3 should rotate, got session %q", got)
	}
	if f.mem.bootstraps[len(f.mem.bootstraps)-1] != true {
		t.Error("rotation bootstrap should be compact")
	}
}

// Post-restart safety: session on disk, no in-memory size.
func TestChat_RestartForcesRotation(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100, MaxContextChars: 6000})
	f.store.Set("1:root:fake", "stale-from-disk")
	f.exec.outputs = []string{envelope("fresh", "t-9")}

	resp, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Rotated {
		t.Error("restart with unknown context size should rotate")
	}
	if got := f.adapter.buildAt(0).SessionID; got != "" {
		t.Errorf("rotated build carried session %q", got)
	}
}

// Scenario S4: stale-session recovery retries exactly once.
func TestChat_StaleSessionRecovery(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.store.Set("1:root:fake", "t-1")
	f.runner.mu.Lock()
	f.runner.ctxSize["1:root:fake"] = 10 // pretend pre-restart state exists
	f.runner.mu.Unlock()

	f.exec.outputs = []string{
		"Error: no conversation found with session id t-1",
		envelope("recovered", "t-2"),
	}

	resp, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "recovered" {
		t.Errorf("Text = %q", resp.Text)
	}
	if f.adapter.buildCount() != 2 {
		t.Fatalf("builds = %d, want 2 (one retry)", f.adapter.buildCount())
	}
	if got := f.adapter.buildAt(1).SessionID; got != "" {
		t.Errorf("retry build carried session %q", got)
	}
	// Retry uses the compact bootstrap.
	if last := f.mem.bootstraps[len(f.mem.bootstraps)-1]; last != true {
		t.Error("recovery bootstrap should be compact")
	}

	f.runner.Wait()
	if got := f.store.Get("1:root:fake"); got != "t-2" {
		t.Errorf("session after recovery = %q, want t-2", got)
	}
}

// A second stale failure surfaces as a normal response (no loop).
func TestChat_StaleSessionSecondFailureSurfaces(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.store.Set("1:root:fake", "t-1")
	f.runner.mu.Lock()
	f.runner.ctxSize["1:root:fake"] = 10
	f.runner.mu.Unlock()

	f.exec.outputs = []string{
		"Error: no conversation found with session id t-1",
		"Error: session not found",
	}

	resp, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"})
	if err != nil {
		t.Fatal(err)
	}
	if f.adapter.buildCount() != 2 {
		t.Errorf("builds = %d, want exactly 2", f.adapter.buildCount())
	}
	if !strings.Contains(resp.Text, "session not found") {
		t.Errorf("second failure not surfaced: %q", resp.Text)
	}
}

func TestChat_RetrievalGate(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.mem.retrieved = []memory.Event{{Role: memory.RoleUser, Text: "pasado", Timestamp: time.Now()}}

	// 14 non-whitespace chars: retrieval off.
	f.exec.outputs = []string{envelope("a", "t-1")}
	f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: strings.Repeat("a", 14), Source: "chat"})
	if f.mem.queries != 0 {
		t.Errorf("retrieval ran for 14-char prompt")
	}

	// 15 non-whitespace chars: retrieval on.
	f.exec.outputs = []string{envelope("b", "t-1")}
	f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: strings.Repeat("b", 15), Source: "chat"})
	if f.mem.queries != 1 {
		t.Errorf("retrieval queries = %d, want 1", f.mem.queries)
	}

	// Same prompt again within TTL: served from cache.
	f.exec.outputs = []string{envelope("c", "t-1")}
	f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: strings.Repeat("b", 15), Source: "chat"})
	if f.mem.queries != 1 {
		t.Errorf("retrieval queries = %d, cache miss on identical prompt", f.mem.queries)
	}

	// Whitespace padding does not satisfy the gate.
	f.exec.outputs = []string{envelope("d", "t-1")}
	f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "   short   \n\t  ", Source: "chat"})
	if f.mem.queries != 1 {
		t.Error("whitespace-padded prompt passed the gate")
	}
}

// Invariant 5 setup: phase-1 carries the estimate, phase-2 the
// correction when the agent reports usage.
func TestChat_TwoPhaseTokenAccounting(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.exec.outputs = []string{`{"text":"ok","session_id":"t-1","usage":{"input":1000,"output":200}}`}

	if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"}); err != nil {
		t.Fatal(err)
	}

	if len(f.toks.events) != 2 {
		t.Fatalf("token events = %d, want 2", len(f.toks.events))
	}
	phase1, phase2 := f.toks.events[0], f.toks.events[1]
	if phase1.InputTokens <= 0 || phase1.OutputTokens != 0 {
		t.Errorf("phase1 = %+v", phase1)
	}
	if phase2.InputTokens != 1000-phase1.InputTokens || phase2.OutputTokens != 200 {
		t.Errorf("phase2 = %+v (phase1 input %d)", phase2, phase1.InputTokens)
	}
	if phase1.Correction || !phase2.Correction {
		t.Errorf("correction flags = %v/%v, want false/true", phase1.Correction, phase2.Correction)
	}
}

// A stale-session retry re-dispatches the prompt, but the exchange is
// still one message: only the first dispatch event counts.
func TestChat_StaleSessionRetryCountsOneMessage(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.store.Set("1:root:fake", "t-1")
	f.exec.outputs = []string{
		"Error: no conversation found with session id t-1",
		envelope("recovered", "t-2"),
	}

	if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"}); err != nil {
		t.Fatal(err)
	}

	var counted int
	for _, ev := range f.toks.events {
		if ev.InputTokens > 0 && !ev.Correction {
			counted++
		}
	}
	if counted != 1 {
		t.Errorf("message-counting events = %d, want 1 (events %+v)", counted, f.toks.events)
	}
}

func TestChat_AccumulatedContextGrows(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.exec.outputs = []string{envelope("una respuesta", "t-1"), envelope("otra", "t-1")}

	f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"})
	first := f.runner.ContextSize("1:root:fake")
	if first <= 0 {
		t.Fatalf("context size = %d after first run", first)
	}
	f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "sigue", Source: "chat"})
	if second := f.runner.ContextSize("1:root:fake"); second <= first {
		t.Errorf("context size did not grow: %d -> %d", first, second)
	}
}

// Invariant 7: after Reset, resolve yields no session until the next
// completion.
func TestReset(t *testing.T) {
	f := newFixture(t, Config{RotationTurns: 100})
	f.exec.outputs = []string{envelope("ok", "t-1")}
	f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"})

	f.runner.Reset(1, 0, "fake")
	f.runner.Wait()

	if got := f.store.Resolve(1, 0, "fake").SessionID; got != "" {
		t.Errorf("session after reset = %q", got)
	}
	if got := f.runner.TurnCount("1:root:fake"); got != 0 {
		t.Errorf("turn count after reset = %d, want 0", got)
	}
}

func TestOneShot_NoBootstrapNoSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.exec.outputs = []string{envelope("puntual", "")}

	text, err := f.runner.OneShot(context.Background(), Request{ChatID: 1, Prompt: "dime la hora", Source: "cron"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "puntual" {
		t.Errorf("text = %q", text)
	}
	if len(f.mem.bootstraps) != 0 {
		t.Error("one-shot must not assemble bootstrap")
	}
	if got := f.adapter.buildAt(0).SessionID; got != "" {
		t.Errorf("one-shot build carried session %q", got)
	}
}

func TestResolveAgent_OverrideChain(t *testing.T) {
	ov, err := threads.NewOverrides(filepath.Join(t.TempDir(), "agent-overrides.json"))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Config{})
	f.runner.overrides = ov

	if got := f.runner.ResolveAgent(Request{ChatID: 1}); got != "fake" {
		t.Errorf("default agent = %q", got)
	}
	ov.Set(threads.TopicKey(1, 0), "gemini")
	if got := f.runner.ResolveAgent(Request{ChatID: 1}); got != "gemini" {
		t.Errorf("topic override = %q", got)
	}
	if got := f.runner.ResolveAgent(Request{ChatID: 1, Agent: "codex"}); got != "codex" {
		t.Errorf("explicit override = %q", got)
	}
}
