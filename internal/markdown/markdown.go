// Package markdown renders agent replies as Telegram-compatible HTML.
// Telegram accepts only a small tag subset, so the goldmark output is
// rewritten: block tags become newlines, emphasis maps onto <b>/<i>/<s>,
// and everything unsupported is stripped.
package markdown

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
)

var engine = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	goldmark.WithRendererOptions(htmlrenderer.WithHardWraps()),
)

var (
	headingOpen  = regexp.MustCompile(`<h[1-6][^>]*>`)
	headingClose = regexp.MustCompile(`</h[1-6]>`)
	listOpen     = regexp.MustCompile(`<(ul|ol)[^>]*>\n?`)
	listClose    = regexp.MustCompile(`</(ul|ol)>\n?`)
	anchorOpen   = regexp.MustCompile(`<a\s+[^>]*href="([^"]*)"[^>]*>`)

	// allowedTag is Telegram's supported subset; anything else gets
	// stripped in the final pass.
	allowedTag = regexp.MustCompile(`<(/?)(b|i|s|u|code|blockquote|tg-spoiler)>|<pre>|</pre>|<a href="[^"]*">|</a>|<code class="language-[^"]*">`)
	anyTag     = regexp.MustCompile(`<[^>]*>`)
)

// ToTelegramHTML converts markdown to HTML safe for Telegram's
// parse_mode=HTML. On a conversion failure the input is returned
// escaped, never lost.
func ToTelegramHTML(src string) string {
	var buf bytes.Buffer
	if err := engine.Convert([]byte(src), &buf); err != nil {
		return html.EscapeString(src)
	}
	return sanitize(buf.String())
}

func sanitize(s string) string {
	// Block structure → newlines.
	s = strings.ReplaceAll(s, "<p>", "")
	s = strings.ReplaceAll(s, "</p>", "\n\n")
	s = headingOpen.ReplaceAllString(s, "<b>")
	s = headingClose.ReplaceAllString(s, "</b>\n\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br />", "\n")
	s = strings.ReplaceAll(s, "<hr>\n", "\n")
	s = strings.ReplaceAll(s, "<hr />\n", "\n")

	// Lists → bullet lines.
	s = listOpen.ReplaceAllString(s, "")
	s = listClose.ReplaceAllString(s, "\n")
	s = strings.ReplaceAll(s, "<li>", "• ")
	s = strings.ReplaceAll(s, "</li>", "\n")

	// Emphasis → Telegram spellings.
	s = strings.ReplaceAll(s, "<strong>", "<b>")
	s = strings.ReplaceAll(s, "</strong>", "</b>")
	s = strings.ReplaceAll(s, "<em>", "<i>")
	s = strings.ReplaceAll(s, "</em>", "</i>")
	s = strings.ReplaceAll(s, "<del>", "<s>")
	s = strings.ReplaceAll(s, "</del>", "</s>")

	// Normalize anchors, then strip whatever is left that Telegram
	// does not know.
	s = anchorOpen.ReplaceAllString(s, `<a href="$1">`)
	s = stripUnknownTags(s)

	// Collapse the newline runs the rewrites leave behind.
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

func stripUnknownTags(s string) string {
	return anyTag.ReplaceAllStringFunc(s, func(tag string) string {
		if allowedTag.MatchString(tag) && allowedTag.FindString(tag) == tag {
			return tag
		}
		return ""
	})
}
