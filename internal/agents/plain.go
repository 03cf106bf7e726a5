package agents

import "strings"

// Plain wraps a CLI that takes the prompt as an argument and prints the
// reply as plain text. No session continuity: ParseOutput never reports
// a session id, so every run starts fresh.
type Plain struct {
	id  string
	bin string
}

// NewPlain returns a plain-text adapter for the given binary.
func NewPlain(id, bin string) *Plain {
	return &Plain{id: id, bin: bin}
}

func (p *Plain) ID() string                  { return p.id }
func (p *Plain) NeedsPty() bool              { return false }
func (p *Plain) MergeStderr() bool           { return false }
func (p *Plain) StaleSessionHints() []string { return nil }

func (p *Plain) BuildCommand(in BuildInput) string {
	var b strings.Builder
	b.WriteString(p.bin)
	if in.Model != "" {
		b.WriteString(" -m ")
		b.WriteString(ShellQuote(in.Model))
	}
	b.WriteString(" ")
	b.WriteString(exprOr(in.PromptExpr, EnvPrompt))
	return b.String()
}

func (p *Plain) ParseOutput(raw string) ParseResult {
	return ParseResult{Text: strings.TrimSpace(raw)}
}
