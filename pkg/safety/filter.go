// Package safety inspects chat text for prompt injection, jailbreak attempts
// and disallowed topics, and redacts personal data before text is logged or
// stored.
//
// Detection is pattern based. Rules are scoped narrowly so that false
// positives stay rare; false negatives are accepted.
package safety

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// Kind enumerates violation categories.
type Kind string

const (
	KindDisallowed Kind = "disallowed_content"
	KindInjection  Kind = "injection_detected"
	KindJailbreak  Kind = "jailbreak_pattern"
)

// Violation is returned by Check when text is rejected.
type Violation struct {
	Kind Kind
	// Rule describes the rule that matched. It never contains the input.
	Rule string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safety violation: %s (%s)", v.Kind, v.Rule)
}

// MaxScanSize caps how much text a single Check inspects.
const MaxScanSize = 10 * 1024

// maxBase64Matches caps decoded segments per check.
const maxBase64Matches = 10

var (
	base64Pattern   = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	spacePattern    = regexp.MustCompile(`[ \t]+`)
	blockedTopicSep = regexp.MustCompile(`\s+`)
)

// Filter checks text against the pattern families and a blocked topic list.
// It is safe for concurrent use.
type Filter struct {
	topics []topicRule
}

type topicRule struct {
	topic string
	regex *regexp.Regexp
}

// New creates a filter. A nil topics slice uses DefaultBlockedTopics; an
// empty non-nil slice disables topic blocking.
func New(topics []string) *Filter {
	if topics == nil {
		topics = DefaultBlockedTopics
	}
	f := &Filter{}
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		words := blockedTopicSep.Split(t, -1)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		f.topics = append(f.topics, topicRule{
			topic: t,
			regex: regexp.MustCompile(`\b` + strings.Join(words, `[\s-]+`) + `\b`),
		})
	}
	return f
}

// Check returns a *Violation when text is rejected and nil otherwise.
func (f *Filter) Check(text string) error {
	if text == "" {
		return nil
	}
	if len(text) > MaxScanSize {
		text = text[:MaxScanSize]
	}

	normalized := normalize(text)

	if v := matchPatterns(normalized); v != nil {
		return v
	}
	if v := matchEncoded(text); v != nil {
		return v
	}

	lowered := strings.ToLower(normalized)
	for _, t := range f.topics {
		if t.regex.MatchString(lowered) {
			return &Violation{Kind: KindDisallowed, Rule: "blocked topic: " + t.topic}
		}
	}
	return nil
}

// Screen checks text, sanitizes it and checks the sanitized text again.
// Stripping markup can join the words of a pattern, so both forms must pass.
// It returns the sanitized text.
func (f *Filter) Screen(text string) (string, error) {
	if err := f.Check(text); err != nil {
		return "", err
	}
	clean := SanitizeInput(text)
	if err := f.Check(clean); err != nil {
		return "", err
	}
	return clean, nil
}

func matchPatterns(text string) *Violation {
	for _, p := range patterns {
		if p.Regex.MatchString(text) {
			return &Violation{Kind: p.Kind, Rule: p.Description}
		}
	}
	return nil
}

// matchEncoded decodes base64-looking segments and checks them too.
func matchEncoded(text string) *Violation {
	for _, m := range base64Pattern.FindAllString(text, maxBase64Matches) {
		decoded, err := base64.StdEncoding.DecodeString(m)
		if err != nil {
			continue
		}
		if v := matchPatterns(normalize(string(decoded))); v != nil {
			return &Violation{Kind: v.Kind, Rule: "base64 encoded: " + v.Rule}
		}
	}
	return nil
}

// normalize removes evasion tricks: zero-width characters, look-alike
// letters and runs of horizontal whitespace.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isZeroWidth(r) {
			continue
		}
		if a, ok := homoglyphs[r]; ok {
			r = a
		}
		b.WriteRune(r)
	}
	return spacePattern.ReplaceAllString(b.String(), " ")
}
