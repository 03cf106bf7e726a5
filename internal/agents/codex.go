package agents

import (
	"strings"
)

// Codex drives the Codex CLI in exec --json mode. The stream emits
// thread.started with the thread id, item.completed events with
// agent_message items, and turn.completed with token usage. Items may
// carry a channel discriminator; the final channel wins over
// intermediate ones, with the last item as fallback.
type Codex struct{}

// NewCodex returns the codex adapter.
func NewCodex() *Codex { return &Codex{} }

func (c *Codex) ID() string        { return "codex" }
func (c *Codex) NeedsPty() bool    { return true }
func (c *Codex) MergeStderr() bool { return false }

func (c *Codex) StaleSessionHints() []string {
	return []string{"conversation not found", "no thread with id"}
}

func (c *Codex) BuildCommand(in BuildInput) string {
	var b strings.Builder
	b.WriteString("codex exec")
	if in.SessionID != "" || in.SessionIDExpr != "" {
		b.WriteString(" resume ")
		b.WriteString(exprOr(in.SessionIDExpr, EnvSessionID))
	}
	b.WriteString(" --json")
	if in.Model != "" {
		b.WriteString(" -m ")
		b.WriteString(ShellQuote(in.Model))
	}
	b.WriteString(" ")
	b.WriteString(exprOr(in.PromptExpr, EnvPrompt))
	return b.String()
}

func (c *Codex) ParseOutput(raw string) ParseResult {
	objs := scanJSONObjects(raw)
	if len(objs) == 0 {
		return ParseResult{Text: strings.TrimSpace(raw)}
	}

	res := ParseResult{SawJSON: true}
	var finalText, lastText string

	for _, obj := range objs {
		switch obj.Get("type").String() {
		case "thread.started":
			if id := obj.Get("thread_id").String(); id != "" {
				res.SessionID = id
			}
		case "item.completed":
			item := obj.Get("item")
			if item.Get("type").String() != "agent_message" {
				continue
			}
			text := item.Get("text").String()
			if text == "" {
				continue
			}
			lastText = text
			if item.Get("channel").String() == "final" {
				finalText = text
			}
		case "turn.completed":
			if usage := obj.Get("usage"); usage.Exists() {
				res.Usage = &Usage{
					InputTokens:  int(usage.Get("input_tokens").Int()),
					OutputTokens: int(usage.Get("output_tokens").Int()),
				}
			}
		default:
			// Legacy event shape: {"msg":{"type":"agent_message","message":…}}.
			if msg := obj.Get("msg"); msg.Exists() && msg.Get("type").String() == "agent_message" {
				if text := msg.Get("message").String(); text != "" {
					lastText = text
				}
			}
			if id := obj.Get("session_id").String(); id != "" && res.SessionID == "" {
				res.SessionID = id
			}
		}
	}

	res.Text = finalText
	if res.Text == "" {
		res.Text = lastText
	}
	return res
}

// ListSessionsCommand implements SessionLister.
func (c *Codex) ListSessionsCommand() string {
	return "codex exec list --json"
}

// ParseSessionList extracts thread ids from the listing, newest first.
func (c *Codex) ParseSessionList(raw string) []string {
	var ids []string
	for _, obj := range scanJSONObjects(raw) {
		if id := obj.Get("thread_id").String(); id != "" {
			ids = append(ids, id)
			continue
		}
		if id := obj.Get("id").String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

var _ SessionLister = (*Codex)(nil)
