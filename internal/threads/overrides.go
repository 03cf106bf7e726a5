package threads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Overrides maps topic keys to a preferred agent id, persisted as
// agent-overrides.json. Set through /agent, consulted by the runner
// between the explicit request override and the global default.
type Overrides struct {
	path string

	mu sync.Mutex
	m  map[string]string
}

// NewOverrides loads agent-overrides.json; a missing file yields an
// empty mapping.
func NewOverrides(path string) (*Overrides, error) {
	o := &Overrides{path: path, m: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return nil, fmt.Errorf("read agent overrides: %w", err)
	}
	if err := json.Unmarshal(data, &o.m); err != nil {
		return nil, fmt.Errorf("parse agent overrides %s: %w", path, err)
	}
	return o, nil
}

// Get returns the override for a topic key, or "".
func (o *Overrides) Get(topicKey string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m[topicKey]
}

// Set records an override; agentID == "" clears it.
func (o *Overrides) Set(topicKey, agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if agentID == "" {
		delete(o.m, topicKey)
		return
	}
	o.m[topicKey] = agentID
}

// Save persists the mapping atomically.
func (o *Overrides) Save() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := json.MarshalIndent(o.m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent overrides: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write agent overrides: %w", err)
	}
	return os.Rename(tmp, o.path)
}
