package threads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store maps thread keys to agent session ids, persisted as threads.json.
//
// At most one session id exists per thread key. A new id replaces the
// old atomically under the store mutex; persistence is serialized by
// the same mutex so there is at most one writer at a time.
type Store struct {
	path string

	mu       sync.Mutex
	sessions map[string]string
	migrated bool // legacy keys were rewritten on load; callers should persist
}

// Resolution is the result of resolving a conversation to a session.
type Resolution struct {
	ThreadKey string
	SessionID string // "" when the thread has no active session
	Migrated  bool   // a legacy key was migrated during load
}

// NewStore loads threads.json from path. A missing file yields an
// empty store.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, sessions: map[string]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read threads: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return nil, fmt.Errorf("parse threads %s: %w", path, err)
	}

	s.migrateLegacyKeys()
	return s, nil
}

// migrateLegacyKeys rewrites two-field "{chatId}:{agentId}" keys into
// the canonical three-field form with the root topic sentinel.
// Existing three-field entries win over a migrating legacy entry.
func (s *Store) migrateLegacyKeys() {
	for key, sessionID := range s.sessions {
		parts := strings.Split(key, ":")
		if len(parts) != 2 {
			continue
		}
		delete(s.sessions, key)
		canonical := parts[0] + ":" + RootTopic + ":" + parts[1]
		if _, exists := s.sessions[canonical]; !exists {
			s.sessions[canonical] = sessionID
		}
		s.migrated = true
	}
}

// Resolve returns the thread key and any active session id for a
// conversation.
func (s *Store) Resolve(chatID int64, topicID int, agentID string) Resolution {
	key := ThreadKey(chatID, topicID, agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Resolution{
		ThreadKey: key,
		SessionID: s.sessions[key],
		Migrated:  s.migrated,
	}
}

// Get returns the session id for a thread key, or "".
func (s *Store) Get(threadKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[threadKey]
}

// Set overwrites the session id for a thread key.
func (s *Store) Set(threadKey, sessionID string) {
	s.mu.Lock()
	s.sessions[threadKey] = sessionID
	s.mu.Unlock()
}

// Clear removes the session mapping for one conversation.
func (s *Store) Clear(chatID int64, topicID int, agentID string) {
	s.ClearKey(ThreadKey(chatID, topicID, agentID))
}

// ClearKey removes the session mapping for a thread key.
func (s *Store) ClearKey(threadKey string) {
	s.mu.Lock()
	delete(s.sessions, threadKey)
	s.mu.Unlock()
}

// Save persists the mapping. Safe for concurrent use; writes are
// serialized under the store mutex with an atomic rename.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.migrated = false
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal threads: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write threads: %w", err)
	}
	return os.Rename(tmp, s.path)
}
