package safety

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)\s*>`)
	htmlTag     = regexp.MustCompile(`<[^>]+>`)
	delimiters  = regexp.MustCompile(`(?i)\[/?INST\]|<</?SYS>>|<\|[a-z_]+\|>|</?s>`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

// SanitizeInput strips executable markup, control and zero-width characters
// and chat-template delimiters from text. Newlines and tabs are kept.
func SanitizeInput(text string) string {
	text = html.UnescapeString(text)
	text = scriptBlock.ReplaceAllString(text, "")
	text = delimiters.ReplaceAllString(text, "")
	text = htmlTag.ReplaceAllString(text, "")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isZeroWidth(r) {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}

	text = blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(text)
}
