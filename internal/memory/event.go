// Package memory implements the long-term memory subsystem: per-thread
// append-only JSONL event logs, a curated digest with a marker-guarded
// auto section inside the user's memory.md, and a sqlite keyword index
// for cross-thread retrieval.
package memory

import "time"

// Role identifies who produced an event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind classifies the source of an event.
type Kind string

const (
	KindText     Kind = "text"
	KindCommand  Kind = "command"
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindCron     Kind = "cron"
)

// Event is one immutable memory record. Events are append-only; they
// are never deleted, curation derives a separate digest.
type Event struct {
	ThreadKey string    `json:"threadKey"`
	ChatID    int64     `json:"chatId"`
	TopicID   string    `json:"topicId"`
	AgentID   string    `json:"agentId"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
