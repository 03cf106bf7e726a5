package agents

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Claude drives the Claude Code CLI in non-interactive stream-json
// mode. Each stdout line is a JSON event: a system/init event carries
// the session id, assistant events carry message content, and the
// final result event carries the reply text, usage and cost.
type Claude struct{}

// NewClaude returns the claude adapter.
func NewClaude() *Claude { return &Claude{} }

func (c *Claude) ID() string        { return "claude" }
func (c *Claude) NeedsPty() bool    { return false }
func (c *Claude) MergeStderr() bool { return true }

func (c *Claude) StaleSessionHints() []string {
	return []string{"no conversation found with session id", "session not found"}
}

func (c *Claude) BuildCommand(in BuildInput) string {
	var b strings.Builder
	b.WriteString("claude -p ")
	b.WriteString(exprOr(in.PromptExpr, EnvPrompt))
	b.WriteString(" --output-format stream-json --verbose")
	if in.SessionID != "" || in.SessionIDExpr != "" {
		b.WriteString(" --resume ")
		b.WriteString(exprOr(in.SessionIDExpr, EnvSessionID))
	}
	if in.Model != "" {
		b.WriteString(" --model ")
		b.WriteString(ShellQuote(in.Model))
	}
	if in.Thinking != "" {
		b.WriteString(" --thinking ")
		b.WriteString(ShellQuote(in.Thinking))
	}
	return b.String()
}

func (c *Claude) ParseOutput(raw string) ParseResult {
	objs := scanJSONObjects(raw)
	if len(objs) == 0 {
		return ParseResult{Text: strings.TrimSpace(raw)}
	}

	res := ParseResult{SawJSON: true}
	var lastAssistant string

	for _, obj := range objs {
		switch obj.Get("type").String() {
		case "system":
			if obj.Get("subtype").String() == "init" {
				if id := obj.Get("session_id").String(); id != "" {
					res.SessionID = id
				}
			}
		case "assistant":
			var parts []string
			obj.Get("message.content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					parts = append(parts, block.Get("text").String())
				}
				return true
			})
			if len(parts) > 0 {
				lastAssistant = strings.Join(parts, "\n")
			}
		case "result":
			if text := obj.Get("result").String(); text != "" {
				res.Text = text
			}
			if id := obj.Get("session_id").String(); id != "" {
				res.SessionID = id
			}
			if usage := obj.Get("usage"); usage.Exists() {
				res.Usage = &Usage{
					InputTokens:  int(usage.Get("input_tokens").Int()),
					OutputTokens: int(usage.Get("output_tokens").Int()),
				}
			}
			res.CostUSD = obj.Get("total_cost_usd").Float()
		}
	}

	if res.Text == "" {
		res.Text = lastAssistant
	}
	return res
}
