package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays environment variables onto the loaded config.
// Env always wins over file values. Malformed numbers are ignored and
// the file/default value stays in effect.
func (c *Config) applyEnv() {
	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")

	if v := os.Getenv("AIPAL_ALLOWED_USERS"); v != "" {
		var ids []int64
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if id, err := strconv.ParseInt(part, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
		c.Telegram.AllowedUsers = ids
	}

	envInt("AGENT_TIMEOUT_MS", &c.Runner.TimeoutMS)
	envInt("AGENT_MAX_BUFFER", &c.Runner.MaxBuffer)
	envInt("FILE_INSTRUCTIONS_EVERY", &c.Runner.FileInstructionsEvery)
	envInt("THREAD_ROTATION_TURNS", &c.Runner.RotationTurns)
	envInt("THREAD_MAX_CONTEXT_CHARS", &c.Runner.MaxContextChars)

	envInt("MEMORY_CURATE_EVERY", &c.Memory.CurateEvery)
	envInt("MEMORY_RETRIEVAL_LIMIT", &c.Memory.RetrievalLimit)
	envInt("MEMORY_CAPTURE_MAX_CHARS", &c.Memory.CaptureMaxChars)

	envInt("TOKEN_BUDGET_DAILY", &c.Tokens.DailyBudget)
	envInt("CRON_BUDGET_GATE_PCT", &c.Tokens.CronGatePct)

	envInt("ATTACHMENT_TTL_HOURS", &c.Attachments.TTLHours)
	envInt("ATTACHMENT_CLEANUP_INTERVAL_MS", &c.Attachments.CleanupIntervalMS)

	if v := os.Getenv("STT_PROXY_URL"); v != "" {
		c.STT.ProxyURL = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
