// Package config holds the gateway configuration: static settings loaded
// from config.json (JSON5 tolerated), runtime knobs overlaid from the
// environment, and the handful of mutable settings (/agent, /model)
// persisted back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/titanous/json5"
)

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token        string  `json:"-"`                       // from env TELEGRAM_BOT_TOKEN only, never persisted
	AllowedUsers []int64 `json:"allowed_users,omitempty"` // empty = allow all
	Proxy        string  `json:"proxy,omitempty"`
}

// RunnerConfig bounds agent subprocess execution and thread rotation.
type RunnerConfig struct {
	TimeoutMS             int `json:"timeout_ms"`
	MaxBuffer             int `json:"max_buffer"`
	FileInstructionsEvery int `json:"file_instructions_every"`
	RotationTurns         int `json:"rotation_turns"`
	MaxContextChars       int `json:"max_context_chars"`
}

// MemoryConfig tunes capture, curation and retrieval.
type MemoryConfig struct {
	CurateEvery     int `json:"curate_every"`
	RetrievalLimit  int `json:"retrieval_limit"`
	CaptureMaxChars int `json:"capture_max_chars"`
	CurateMaxBytes  int `json:"curate_max_bytes"`
}

// TokensConfig configures daily budgeting.
type TokensConfig struct {
	DailyBudget int `json:"daily_budget"` // 0 = unlimited
	CronGatePct int `json:"cron_gate_pct"` // skip cron jobs at/above this budget pct, 0 = off
}

// AttachmentsConfig controls the downloaded-media reaper.
type AttachmentsConfig struct {
	TTLHours          int `json:"ttl_hours"`
	CleanupIntervalMS int `json:"cleanup_interval_ms"`
}

// STTConfig points at the external speech-to-text transcriber.
type STTConfig struct {
	ProxyURL       string `json:"proxy_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Config is the root configuration for the aipal gateway.
type Config struct {
	Agent      string            `json:"agent"`               // default agent id
	Models     map[string]string `json:"models,omitempty"`    // agentID → model override
	Thinking   string            `json:"thinking,omitempty"`  // default thinking level
	CronChatID int64             `json:"cronChatId,omitempty"`

	Telegram    TelegramConfig    `json:"telegram"`
	Runner      RunnerConfig      `json:"runner"`
	Memory      MemoryConfig      `json:"memory"`
	Tokens      TokensConfig      `json:"tokens"`
	Attachments AttachmentsConfig `json:"attachments"`
	STT         STTConfig         `json:"stt,omitempty"`

	path string
	mu   sync.RWMutex
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent:  "claude",
		Models: map[string]string{},
		Runner: RunnerConfig{
			TimeoutMS:             300_000,
			MaxBuffer:             10 * 1024 * 1024,
			FileInstructionsEvery: 5,
			RotationTurns:         40,
			MaxContextChars:       150_000,
		},
		Memory: MemoryConfig{
			CurateEvery:     20,
			RetrievalLimit:  6,
			CaptureMaxChars: 2000,
			CurateMaxBytes:  12_000,
		},
		Tokens: TokensConfig{
			CronGatePct: 90,
		},
		Attachments: AttachmentsConfig{
			TTLHours:          24,
			CleanupIntervalMS: 3_600_000,
		},
	}
}

// Load reads config from the JSON file at path, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Models == nil {
		cfg.Models = map[string]string{}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the mutable settings back to the config file.
// Standard JSON on write; JSON5 is only tolerated on read.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// DefaultAgent returns the configured default agent id.
func (c *Config) DefaultAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent == "" {
		return "claude"
	}
	return c.Agent
}

// SetDefaultAgent updates the default agent id.
func (c *Config) SetDefaultAgent(agent string) {
	c.mu.Lock()
	c.Agent = agent
	c.mu.Unlock()
}

// ThinkingLevel returns the default thinking level, "" when unset.
func (c *Config) ThinkingLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Thinking
}

// SetThinkingLevel updates the default thinking level.
func (c *Config) SetThinkingLevel(level string) {
	c.mu.Lock()
	c.Thinking = level
	c.mu.Unlock()
}

// CronChat returns the chat id unassigned cron jobs deliver to, 0 when unset.
func (c *Config) CronChat() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CronChatID
}

// SetCronChat updates the default cron delivery chat.
func (c *Config) SetCronChat(chatID int64) {
	c.mu.Lock()
	c.CronChatID = chatID
	c.mu.Unlock()
}

// ModelFor returns the configured model override for an agent, or "".
func (c *Config) ModelFor(agent string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Models[agent]
}

// SetModelFor sets or clears (model == "") the model override for an agent.
func (c *Config) SetModelFor(agent, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model == "" {
		delete(c.Models, agent)
		return
	}
	c.Models[agent] = model
}
