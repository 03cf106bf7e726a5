// Package cron schedules time-triggered agent invocations: a
// json-backed job store, a gronx-driven scheduler with a daily budget
// gate, and a bounded per-job output log.
package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Job is one scheduled invocation. ChatID zero means "deliver to the
// configured default cron chat".
type Job struct {
	ID             string `json:"id"`
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone,omitempty"`
	Prompt         string `json:"prompt"`
	Enabled        bool   `json:"enabled"`
	ChatID         int64  `json:"chatId,omitempty"`
	TopicID        int    `json:"topicId,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
}

type jobFile struct {
	Jobs []Job `json:"jobs"`
}

// Store persists jobs in cron.json.
type Store struct {
	path string

	mu   sync.Mutex
	jobs []Job
}

// NewStore loads cron.json. A missing file yields an empty store. On
// load failure the returned store is still usable with an empty job
// list, so callers may warn and continue.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	err := s.Load()
	return s, err
}

// Load rereads the job file, replacing the in-memory list.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.jobs = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read cron jobs: %w", err)
	}
	var f jobFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse cron jobs: %w", err)
	}
	s.mu.Lock()
	s.jobs = f.Jobs
	s.mu.Unlock()
	return nil
}

// Save writes the job file atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(jobFile{Jobs: s.jobs}, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode cron jobs: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cron jobs: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cron jobs: %w", err)
	}
	return nil
}

// List returns a copy of all jobs.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Assign routes a job's output to a specific chat/topic.
func (s *Store) Assign(id string, chatID int64, topicID int) bool {
	return s.update(id, func(j *Job) { j.ChatID, j.TopicID = chatID, topicID })
}

// Unassign reverts a job to the default cron chat.
func (s *Store) Unassign(id string) bool {
	return s.update(id, func(j *Job) { j.ChatID, j.TopicID = 0, 0 })
}

func (s *Store) update(id string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			fn(&s.jobs[i])
			return true
		}
	}
	return false
}
