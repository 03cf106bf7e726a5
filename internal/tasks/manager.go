// Package tasks runs agent work in the background: submissions return
// immediately with a handle, tasks on the same thread key are chained,
// and settled tasks stay queryable until a TTL reaps them.
package tasks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle position.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is a snapshot of one background run.
type Task struct {
	ID         string
	ThreadKey  string
	ChatID     int64
	TopicID    int
	PromptHead string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// promptHeadLen bounds the prompt excerpt kept on the handle.
const promptHeadLen = 80

// Fn is the work a task performs.
type Fn func(ctx context.Context) (string, error)

// Typing refreshes a typing indicator while a task runs.
type Typing func(chatID int64, topicID int)

// Options wires a Manager.
type Options struct {
	Typing      Typing        // nil = no indicator
	TypingEvery time.Duration // 0 = 5s
	TTL         time.Duration // retention for settled tasks; 0 = 1h
	Now         func() time.Time
}

// Manager owns the task table and the per-thread-key chains.
type Manager struct {
	typing      Typing
	typingEvery time.Duration
	ttl         time.Duration
	now         func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
	tails map[string]chan struct{}

	wg sync.WaitGroup
}

// New builds a Manager.
func New(opts Options) *Manager {
	if opts.TypingEvery <= 0 {
		opts.TypingEvery = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		typing:      opts.Typing,
		typingEvery: opts.TypingEvery,
		ttl:         opts.TTL,
		now:         opts.Now,
		tasks:       map[string]*Task{},
		tails:       map[string]chan struct{}{},
	}
}

// Submit registers the work and returns its handle without waiting.
// Tasks sharing a thread key run in submission order; distinct keys
// run concurrently. onDone, if non-nil, receives the result after the
// task settles.
func (m *Manager) Submit(ctx context.Context, threadKey string, chatID int64, topicID int, prompt string, fn Fn, onDone func(text string, err error)) Task {
	task := &Task{
		ID:         uuid.NewString(),
		ThreadKey:  threadKey,
		ChatID:     chatID,
		TopicID:    topicID,
		PromptHead: head(prompt),
		Status:     StatusRunning,
		StartedAt:  m.now(),
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.tasks[task.ID] = task
	prev := m.tails[threadKey]
	m.tails[threadKey] = done
	m.mu.Unlock()

	// Snapshot before the goroutine can settle the entry.
	handle := *task

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			close(done)
			m.mu.Lock()
			if m.tails[threadKey] == done {
				delete(m.tails, threadKey)
			}
			m.mu.Unlock()
		}()

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				m.settle(task.ID, StatusCancelled, ctx.Err().Error())
				if onDone != nil {
					onDone("", ctx.Err())
				}
				return
			}
		}

		stopTyping := m.startTyping(ctx, chatID, topicID)
		text, err := fn(ctx)
		stopTyping()

		switch {
		case err != nil && ctx.Err() != nil:
			m.settle(task.ID, StatusCancelled, err.Error())
		case err != nil:
			slog.Error("background task failed", "task", task.ID, "thread", threadKey, "error", err)
			m.settle(task.ID, StatusFailed, err.Error())
		default:
			m.settle(task.ID, StatusCompleted, "")
		}
		if onDone != nil {
			onDone(text, err)
		}
	}()

	return handle
}

// Get snapshots one task.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List snapshots all retained tasks, oldest first.
func (m *Manager) List() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Active counts unsettled tasks.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Reap drops settled tasks older than the TTL and returns how many
// were removed.
func (m *Manager) Reap() int {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if t.Status != StatusRunning && t.FinishedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// RunReaper reaps on an interval until the context ends.
func (m *Manager) RunReaper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				slog.Debug("reaped settled tasks", "count", n)
			}
		}
	}
}

// Wait blocks until every submitted task settles.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) settle(id string, status Status, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t == nil {
		return
	}
	t.Status = status
	t.Error = errText
	t.FinishedAt = m.now()
}

// startTyping refreshes the indicator immediately and then on a ticker
// until the returned stop function is called.
func (m *Manager) startTyping(ctx context.Context, chatID int64, topicID int) func() {
	if m.typing == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		m.typing(chatID, topicID)
		ticker := time.NewTicker(m.typingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.typing(chatID, topicID)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func head(s string) string {
	runes := []rune(s)
	if len(runes) <= promptHeadLen {
		return s
	}
	return string(runes[:promptHeadLen]) + "…"
}
