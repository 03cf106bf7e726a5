package agents

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// scanJSONObjects extracts the sequence of complete JSON objects from a
// line-delimited (or concatenated) JSON stream. Characters are buffered
// until a prefix decodes as a complete value; the value is emitted and
// the buffer reset. Undecodable runs are skipped up to the next line.
func scanJSONObjects(raw string) []gjson.Result {
	var out []gjson.Result
	buf := []byte(raw)

	for len(buf) > 0 {
		buf = bytes.TrimLeft(buf, " \t\r\n")
		if len(buf) == 0 || buf[0] != '{' {
			// Not at an object start: drop up to the next line.
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			buf = buf[idx+1:]
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(buf))
		var obj json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			buf = buf[idx+1:]
			continue
		}
		out = append(out, gjson.ParseBytes(obj))
		buf = buf[dec.InputOffset():]
	}
	return out
}

// ansiPattern matches terminal control sequences (CSI, OSC, and lone
// escapes) that some agents leak into stdout.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*(\x07|\x1b\\)|\x1b.`)

// StripANSI removes terminal control sequences from s.
func StripANSI(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\r' {
			return -1
		}
		return r
	}, s)
}

// lastJSONObject parses the whole trimmed input as JSON; on failure it
// scans lines from the bottom for the last parseable object. Used by
// single-envelope adapters whose agents print banners before the JSON.
func lastJSONObject(raw string) (gjson.Result, bool) {
	trimmed := strings.TrimSpace(raw)
	if gjson.Valid(trimmed) && strings.HasPrefix(trimmed, "{") {
		return gjson.Parse(trimmed), true
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if gjson.Valid(line) {
			return gjson.Parse(line), true
		}
	}
	return gjson.Result{}, false
}
