// Package tokens implements daily token accounting: per-chat,
// per-source and per-agent aggregates, threshold alerts against a
// daily budget, and the soft budget gate consulted by ingress and cron.
package tokens

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// alertThresholds are the budget percentages that fire an alert, each
// at most once per day.
var alertThresholds = []int{25, 50, 75, 85, 95}

// Bucket aggregates usage for one dimension value.
type Bucket struct {
	Input    int `json:"input"`
	Output   int `json:"output"`
	Messages int `json:"messages"`
}

// state is the persisted per-day usage, usage.json on disk.
type state struct {
	Date         string             `json:"date"`
	Chats        map[string]*Bucket `json:"chats"`
	Sources      map[string]*Bucket `json:"sources"`
	Agents       map[string]*Bucket `json:"agents"`
	AlertsSent   []int              `json:"alertsSent"`
	TotalCostUSD float64            `json:"totalCostUsd"`
}

func newState(date string) *state {
	return &state{
		Date:    date,
		Chats:   map[string]*Bucket{},
		Sources: map[string]*Bucket{},
		Agents:  map[string]*Bucket{},
	}
}

// Event is one accounting sample. Two-phase accounting sends an
// estimated input event at dispatch and a correction (delta input plus
// real output) at completion; correction events never bump the message
// counter, and neither do the re-dispatch events of a retried prompt.
type Event struct {
	ChatID       int64
	InputTokens  int
	OutputTokens int
	Source       string // "chat", "cron", "task", …
	AgentID      string
	CostUSD      float64
	Correction   bool // adjustment to an already-counted message
}

// AlertFunc receives budget threshold crossings.
type AlertFunc func(pct int, usedTokens, budgetTokens int)

// Tracker accumulates daily usage and persists it asynchronously.
type Tracker struct {
	path    string
	budget  int // daily token budget, 0 = unlimited
	onAlert AlertFunc
	now     func() time.Time // injectable for tests

	mu    sync.Mutex
	state *state

	persistCh chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker loads usage.json from path. Stale (non-today) state is
// discarded on load, matching the rollover done on each Track call.
func NewTracker(path string, budget int, onAlert AlertFunc) *Tracker {
	t := &Tracker{
		path:      path,
		budget:    budget,
		onAlert:   onAlert,
		now:       time.Now,
		persistCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	t.state = newState(t.today())

	if data, err := os.ReadFile(path); err == nil {
		var st state
		if err := json.Unmarshal(data, &st); err == nil && st.Date == t.today() {
			if st.Chats == nil {
				st.Chats = map[string]*Bucket{}
			}
			if st.Sources == nil {
				st.Sources = map[string]*Bucket{}
			}
			if st.Agents == nil {
				st.Agents = map[string]*Bucket{}
			}
			t.state = &st
		}
	}

	go t.persistLoop()
	return t
}

func (t *Tracker) today() string {
	return t.now().Format("2006-01-02")
}

// Track records one accounting event, rolling the day over when needed
// and firing threshold alerts. Never blocks on persistence.
func (t *Tracker) Track(ev Event) {
	t.mu.Lock()

	if t.state.Date != t.today() {
		t.state = newState(t.today())
	}

	chatKey := strconv.FormatInt(ev.ChatID, 10)
	addTo := func(m map[string]*Bucket, key string) *Bucket {
		b := m[key]
		if b == nil {
			b = &Bucket{}
			m[key] = b
		}
		b.Input += ev.InputTokens
		b.Output += ev.OutputTokens
		return b
	}

	// Message counter bumps once per user message. Corrections (phase-2
	// deltas and retry re-dispatches) only adjust token totals.
	countMsg := ev.InputTokens > 0 && !ev.Correction

	chat := addTo(t.state.Chats, chatKey)
	if countMsg {
		chat.Messages++
	}
	if ev.Source != "" {
		sb := addTo(t.state.Sources, ev.Source)
		if countMsg {
			sb.Messages++
		}
	}
	if ev.AgentID != "" {
		ab := addTo(t.state.Agents, ev.AgentID)
		if countMsg {
			ab.Messages++
		}
	}
	t.state.TotalCostUSD += ev.CostUSD

	var fire []int
	var used int
	if t.budget > 0 {
		used = t.totalLocked()
		pct := used * 100 / t.budget
		for _, th := range alertThresholds {
			if pct >= th && !containsInt(t.state.AlertsSent, th) {
				t.state.AlertsSent = append(t.state.AlertsSent, th)
				fire = append(fire, th)
			}
		}
	}
	t.mu.Unlock()

	if t.onAlert != nil {
		for _, th := range fire {
			t.onAlert(th, used, t.budget)
		}
	}

	t.persistAsync()
}

func (t *Tracker) totalLocked() int {
	total := 0
	for _, b := range t.state.Chats {
		total += b.Input + b.Output
	}
	return total
}

// BudgetPct returns the percentage of the daily budget consumed, 0
// when no budget is configured.
func (t *Tracker) BudgetPct() int {
	if t.budget <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Date != t.today() {
		return 0
	}
	return t.totalLocked() * 100 / t.budget
}

// IsBudgetExhausted reports whether today's usage reached the budget.
func (t *Tracker) IsBudgetExhausted() bool {
	return t.budget > 0 && t.BudgetPct() >= 100
}

// Stats is a rendered usage summary for command reporting.
type Stats struct {
	Date         string
	Input        int
	Output       int
	Messages     int
	TotalCostUSD float64
	BudgetPct    int
	Agents       map[string]Bucket
	Sources      map[string]Bucket
}

// StatsFor reports today's usage. chatID 0 aggregates all chats.
func (t *Tracker) StatsFor(chatID int64) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Stats{
		Date:         t.state.Date,
		TotalCostUSD: t.state.TotalCostUSD,
		Agents:       map[string]Bucket{},
		Sources:      map[string]Bucket{},
	}
	if t.state.Date != t.today() {
		st.Date = t.today()
		return st
	}

	if chatID != 0 {
		if b := t.state.Chats[strconv.FormatInt(chatID, 10)]; b != nil {
			st.Input, st.Output, st.Messages = b.Input, b.Output, b.Messages
		}
	} else {
		for _, b := range t.state.Chats {
			st.Input += b.Input
			st.Output += b.Output
			st.Messages += b.Messages
		}
	}
	for id, b := range t.state.Agents {
		st.Agents[id] = *b
	}
	for id, b := range t.state.Sources {
		st.Sources[id] = *b
	}
	if t.budget > 0 {
		st.BudgetPct = t.totalLocked() * 100 / t.budget
	}
	return st
}

// persistAsync signals the persist loop; coalesces bursts.
func (t *Tracker) persistAsync() {
	select {
	case t.persistCh <- struct{}{}:
	default:
	}
}

func (t *Tracker) persistLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.persistCh:
			if err := t.persist(); err != nil {
				slog.Warn("usage persist failed", "error", err)
			}
		}
	}
}

func (t *Tracker) persist() error {
	t.mu.Lock()
	data, err := json.MarshalIndent(t.state, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write usage: %w", err)
	}
	return os.Rename(tmp, t.path)
}

// Close stops the persist loop after a final synchronous write.
func (t *Tracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.persist()
	})
	return err
}

// AlertsSentToday returns the thresholds already fired today, sorted.
func (t *Tracker) AlertsSentToday() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]int(nil), t.state.AlertsSent...)
	sort.Ints(out)
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
