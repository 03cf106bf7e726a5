package agents

import "strings"

// ShellQuote wraps s in POSIX single quotes so it survives one level of
// shell evaluation unchanged. Embedded single quotes are closed,
// escaped and reopened ('\''), the only escape the POSIX shell honors
// inside single quotes.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envRef returns the quoted shell expansion for an env var, e.g.
// "${AIPAL_PROMPT}". Double quotes keep the expansion a single word
// while still expanding.
func envRef(name string) string {
	return `"${` + name + `}"`
}

// exprOr returns expr when non-empty, otherwise the env expansion.
func exprOr(expr, envName string) string {
	if expr != "" {
		return expr
	}
	return envRef(envName)
}
