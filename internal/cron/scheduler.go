package cron

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"

	"github.com/CristianCarreira/aipal/internal/runner"
)

// Silent tokens: a response containing one is considered a successful
// no-op and is not delivered to the chat.
var silentTokens = []string{"HEARTBEAT_OK", "CURATION_EMPTY"}

// RunState is a job's position in its lifecycle.
type RunState string

const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
	StateFailed  RunState = "failed"
)

// JobStatus is a snapshot for /cron list and /cron show.
type JobStatus struct {
	Job       Job
	State     RunState
	LastRun   time.Time
	LastError string
	NextRun   time.Time
}

type jobRuntime struct {
	state     RunState
	lastRun   time.Time
	lastError string
}

// Budget exposes the daily budget consumption percentage.
type Budget interface {
	BudgetPct() int
}

// Dispatch invokes the agent pipeline for a fired job.
type Dispatch func(ctx context.Context, req runner.Request) (string, error)

// Send delivers job output to a chat/topic.
type Send func(chatID int64, topicID int, text string)

// Options wires a Scheduler.
type Options struct {
	Store         *Store
	Budget        Budget // nil = no gate
	GatePct       int    // 0 = no gate
	DefaultChatID func() int64
	Dispatch      Dispatch
	Send          Send
	Now           func() time.Time // nil = time.Now
}

// Scheduler fires due jobs once a minute, applies the budget gate, and
// retains per-job output in a bounded ring.
type Scheduler struct {
	store         *Store
	gron          *gronx.Gronx
	budget        Budget
	gatePct       int
	defaultChatID func() int64
	dispatch      Dispatch
	send          Send
	now           func() time.Time

	mu    sync.Mutex
	runs  map[string]*jobRuntime
	logs  map[string]*outputRing
	jobWG sync.WaitGroup
}

// New builds a Scheduler.
func New(opts Options) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:         opts.Store,
		gron:          gronx.New(),
		budget:        opts.Budget,
		gatePct:       opts.GatePct,
		defaultChatID: opts.DefaultChatID,
		dispatch:      opts.Dispatch,
		send:          opts.Send,
		now:           now,
		runs:          map[string]*jobRuntime{},
		logs:          map[string]*outputRing{},
	}
}

// Run ticks once per minute until the context ends, then waits for
// in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	// Align the first tick to the next minute boundary so five-field
	// expressions are evaluated once per minute slot.
	first := time.Until(s.now().Truncate(time.Minute).Add(time.Minute))
	timer := time.NewTimer(first)
	defer timer.Stop()

	slog.Info("cron scheduler started", "jobs", len(s.store.List()))
	for {
		select {
		case <-ctx.Done():
			s.jobWG.Wait()
			slog.Info("cron scheduler stopped")
			return
		case <-timer.C:
			s.FireDue(ctx, s.now())
			timer.Reset(time.Until(s.now().Truncate(time.Minute).Add(time.Minute)))
		}
	}
}

// FireDue evaluates every enabled job against ref and launches the due
// ones. Jobs already running are not double-fired.
func (s *Scheduler) FireDue(ctx context.Context, ref time.Time) {
	for _, job := range s.store.List() {
		if !job.Enabled {
			continue
		}
		due, err := s.gron.IsDue(job.CronExpression, s.refIn(job, ref))
		if err != nil {
			slog.Warn("invalid cron expression", "job", job.ID, "expression", job.CronExpression, "error", err)
			continue
		}
		if !due {
			continue
		}
		if !s.markRunning(job.ID) {
			slog.Warn("cron job still running, skipping fire", "job", job.ID)
			continue
		}
		s.jobWG.Add(1)
		go func(job Job) {
			defer s.jobWG.Done()
			s.runJob(ctx, job, false)
		}(job)
	}
}

// RunNow fires a job immediately (/cron run). The budget gate still
// applies, but the caller gets the refusal as an error instead of a
// silent skip.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("cron job %q not found", id)
	}
	if s.gateClosed() {
		return fmt.Errorf("cron job %q blocked: daily budget at %d%%, gate %d%%", id, s.budget.BudgetPct(), s.gatePct)
	}
	if !s.markRunning(job.ID) {
		return fmt.Errorf("cron job %q already running", id)
	}
	s.jobWG.Add(1)
	go func() {
		defer s.jobWG.Done()
		s.runJob(ctx, job, true)
	}()
	return nil
}

// Logs returns the retained output of one job.
func (s *Scheduler) Logs(id string) string {
	s.mu.Lock()
	ring := s.logs[id]
	s.mu.Unlock()
	if ring == nil {
		return ""
	}
	return ring.contents()
}

// Statuses snapshots every job with its runtime state and next fire
// time.
func (s *Scheduler) Statuses() []JobStatus {
	jobs := s.store.List()
	out := make([]JobStatus, 0, len(jobs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		st := JobStatus{Job: job, State: StateIdle}
		if rt := s.runs[job.ID]; rt != nil {
			st.State = rt.state
			st.LastRun = rt.lastRun
			st.LastError = rt.lastError
		}
		if next, err := gronx.NextTickAfter(job.CronExpression, s.refIn(job, s.now()), false); err == nil {
			st.NextRun = next
		}
		out = append(out, st)
	}
	return out
}

// Reload rereads cron.json (/cron reload and the file watcher).
func (s *Scheduler) Reload() error {
	if err := s.store.Load(); err != nil {
		return err
	}
	// Drop runtime entries for jobs that no longer exist.
	alive := map[string]bool{}
	for _, job := range s.store.List() {
		alive[job.ID] = true
	}
	s.mu.Lock()
	for id := range s.runs {
		if !alive[id] {
			delete(s.runs, id)
			delete(s.logs, id)
		}
	}
	s.mu.Unlock()
	slog.Info("cron jobs reloaded", "jobs", len(alive))
	return nil
}

// Watch reloads jobs when cron.json changes on disk. The parent
// directory is watched because atomic saves replace the file.
func (s *Scheduler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cron watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.store.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("cron watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		const debounce = 300 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.store.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("cron watcher error", "error", err)
			case <-timerC:
				timer, timerC = nil, nil
				if err := s.Reload(); err != nil {
					slog.Warn("cron reload failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Wait blocks until all in-flight jobs settle.
func (s *Scheduler) Wait() { s.jobWG.Wait() }

func (s *Scheduler) runJob(ctx context.Context, job Job, manual bool) {
	ring := s.ring(job.ID)

	// Gate scheduled fires silently. Manual runs were gated in RunNow.
	if !manual && s.gateClosed() {
		pct := s.budget.BudgetPct()
		slog.Info("cron job skipped: budget gate", "job", job.ID, "budget_pct", pct, "gate_pct", s.gatePct)
		ring.append(fmt.Sprintf("[%s] skipped: budget at %d%% (gate %d%%)\n", s.now().Format(time.RFC3339), pct, s.gatePct))
		s.settle(job.ID, "")
		return
	}

	chatID := job.ChatID
	if chatID == 0 && s.defaultChatID != nil {
		chatID = s.defaultChatID()
	}

	started := s.now()
	ring.append(fmt.Sprintf("[%s] fired\n", started.Format(time.RFC3339)))

	text, err := s.dispatch(ctx, runner.Request{
		ChatID:  chatID,
		TopicID: job.TopicID,
		Agent:   job.Agent,
		Prompt:  job.Prompt,
		Model:   job.Model,
		Source:  "cron",
		Cwd:     job.Cwd,
	})
	if err != nil {
		slog.Error("cron job failed", "job", job.ID, "error", err)
		ring.append(fmt.Sprintf("[%s] error: %v\n", s.now().Format(time.RFC3339), err))
		s.settle(job.ID, err.Error())
		return
	}

	ring.append(text + "\n")
	s.settle(job.ID, "")

	if hasSilentToken(text) {
		slog.Debug("cron job output suppressed", "job", job.ID)
		return
	}
	if chatID == 0 {
		slog.Warn("cron job has no target chat, output retained in logs only", "job", job.ID)
		return
	}
	s.send(chatID, job.TopicID, text)
}

func (s *Scheduler) gateClosed() bool {
	return s.gatePct > 0 && s.budget != nil && s.budget.BudgetPct() >= s.gatePct
}

// refIn shifts the reference time into the job's timezone. Invalid
// zones fall back to the host zone.
func (s *Scheduler) refIn(job Job, ref time.Time) time.Time {
	if job.Timezone == "" {
		return ref
	}
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		slog.Warn("invalid cron timezone", "job", job.ID, "timezone", job.Timezone)
		return ref
	}
	return ref.In(loc)
}

func (s *Scheduler) markRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runs[id]
	if rt == nil {
		rt = &jobRuntime{state: StateIdle}
		s.runs[id] = rt
	}
	if rt.state == StateRunning {
		return false
	}
	rt.state = StateRunning
	rt.lastRun = s.now()
	return true
}

func (s *Scheduler) settle(id, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runs[id]
	if rt == nil {
		return
	}
	if errText != "" {
		rt.state = StateFailed
		rt.lastError = errText
	} else {
		rt.state = StateIdle
		rt.lastError = ""
	}
}

func (s *Scheduler) ring(id string) *outputRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.logs[id]
	if ring == nil {
		ring = &outputRing{}
		s.logs[id] = ring
	}
	return ring
}

func hasSilentToken(text string) bool {
	for _, tok := range silentTokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}
