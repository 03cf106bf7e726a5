package agents

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Gemini drives the Gemini CLI, which prints a single JSON envelope.
// The CLI leaks terminal control sequences and startup banners, so the
// envelope is recovered by stripping ANSI, parsing the whole output,
// and falling back to a bottom-up line scan. Session ids are accepted
// only when they parse as a UUID.
type Gemini struct{}

// NewGemini returns the gemini adapter.
func NewGemini() *Gemini { return &Gemini{} }

func (g *Gemini) ID() string        { return "gemini" }
func (g *Gemini) NeedsPty() bool    { return false }
func (g *Gemini) MergeStderr() bool { return true }

func (g *Gemini) StaleSessionHints() []string { return nil }

func (g *Gemini) BuildCommand(in BuildInput) string {
	var b strings.Builder
	b.WriteString("gemini -p ")
	b.WriteString(exprOr(in.PromptExpr, EnvPrompt))
	b.WriteString(" -o json")
	if in.SessionID != "" || in.SessionIDExpr != "" {
		b.WriteString(" --resume ")
		b.WriteString(exprOr(in.SessionIDExpr, EnvSessionID))
	}
	if in.Model != "" {
		b.WriteString(" -m ")
		b.WriteString(ShellQuote(in.Model))
	}
	return b.String()
}

func (g *Gemini) ParseOutput(raw string) ParseResult {
	cleaned := StripANSI(raw)

	obj, ok := lastJSONObject(cleaned)
	if !ok {
		return ParseResult{Text: strings.TrimSpace(cleaned)}
	}

	res := ParseResult{SawJSON: true}
	res.Text = obj.Get("response").String()
	if res.Text == "" {
		res.Text = obj.Get("result").String()
	}

	if id := obj.Get("sessionId").String(); isUUID(id) {
		res.SessionID = id
	} else if id := obj.Get("session_id").String(); isUUID(id) {
		res.SessionID = id
	}

	if stats := obj.Get("stats.models"); stats.Exists() {
		usage := &Usage{}
		stats.ForEach(func(_, model gjson.Result) bool {
			usage.InputTokens += int(model.Get("tokens.prompt").Int())
			usage.OutputTokens += int(model.Get("tokens.candidates").Int())
			return true
		})
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			res.Usage = usage
		}
	}
	return res
}

// ListSessionsCommand implements SessionLister.
func (g *Gemini) ListSessionsCommand() string {
	return "gemini --list-sessions -o json"
}

// ParseSessionList extracts session UUIDs, newest first.
func (g *Gemini) ParseSessionList(raw string) []string {
	cleaned := StripANSI(raw)
	var ids []string
	parsed := gjson.Parse(strings.TrimSpace(cleaned))
	list := parsed
	if parsed.IsObject() {
		list = parsed.Get("sessions")
	}
	list.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		if id == "" {
			id = item.String()
		}
		if isUUID(id) {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// ListModelsCommand implements ModelLister.
func (g *Gemini) ListModelsCommand() string {
	return "gemini --list-models"
}

// ParseModelList returns one model id per non-empty output line.
func (g *Gemini) ParseModelList(raw string) []string {
	var models []string
	for _, line := range strings.Split(StripANSI(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			models = append(models, line)
		}
	}
	return models
}

func isUUID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

var (
	_ SessionLister = (*Gemini)(nil)
	_ ModelLister   = (*Gemini)(nil)
)
