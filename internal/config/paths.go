package config

import (
	"os"
	"path/filepath"
)

// Home resolves the aipal state root. AIPAL_HOME wins; otherwise the
// XDG config dir is used (~/.config/aipal on Linux).
func Home() string {
	if dir := os.Getenv("AIPAL_HOME"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "aipal")
}

// Standard file locations under the state root.

func ConfigPath(home string) string    { return filepath.Join(home, "config.json") }
func OverridesPath(home string) string { return filepath.Join(home, "agent-overrides.json") }
func ThreadsPath(home string) string   { return filepath.Join(home, "threads.json") }
func UsagePath(home string) string     { return filepath.Join(home, "usage.json") }
func CronPath(home string) string      { return filepath.Join(home, "cron.json") }
func MemoryDir(home string) string     { return filepath.Join(home, "memory") }
func AttachmentsDir(home string) string { return filepath.Join(home, "attachments") }
