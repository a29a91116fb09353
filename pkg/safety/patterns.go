package safety

import (
	"regexp"
)

// pattern is one detection rule.
type pattern struct {
	Regex       *regexp.Regexp
	Kind        Kind
	Description string
}

// Patterns are scoped to instruction-style phrasing, so ordinary use of
// words like "ignore" or "act" does not trip them.
var patterns = []pattern{
	// Instruction override
	{
		Regex:       regexp.MustCompile(`(?i)\b(ignore|forget|disregard)\s+(all\s+)?(the\s+|your\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directions?)\b`),
		Kind:        KindInjection,
		Description: "ignore previous instructions",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\boverride\s+(your\s+)?(system\s+prompt|instructions?|programming)\b`),
		Kind:        KindInjection,
		Description: "override instructions",
	},
	{
		Regex:       regexp.MustCompile(`(?i)###\s*(new\s+)?(instructions?|system)\s*:`),
		Kind:        KindInjection,
		Description: "### instructions block",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\b(reveal|show|print|repeat)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+prompt|hidden\s+instructions)\b`),
		Kind:        KindInjection,
		Description: "prompt extraction",
	},

	// Role hijack
	{
		Regex:       regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a\s+|an\s+)?(dan|jailbroken|evil|unrestricted|unfiltered|uncensored|free\s+from)`),
		Kind:        KindInjection,
		Description: "you are now unrestricted",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+)?(you\s+are\s+|a\s+|an\s+)?.{0,50}\b(without|with\s+no)\s+(restrictions?|limits?|guidelines?|filters?)\b`),
		Kind:        KindInjection,
		Description: "act without restrictions",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\bpretend\s+(that\s+)?(you\s+)?(have\s+no|don'?t\s+have|are\s+free\s+of)\s+(rules?|restrictions?|guidelines?|filters?)\b`),
		Kind:        KindInjection,
		Description: "pretend to have no rules",
	},
	{
		Regex:       regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:`),
		Kind:        KindInjection,
		Description: "fake role prefix",
	},

	// Delimiter injection
	{
		Regex:       regexp.MustCompile(`(?i)\[/?INST\]`),
		Kind:        KindInjection,
		Description: "[INST] tag",
	},
	{
		Regex:       regexp.MustCompile(`(?i)<</?SYS>>`),
		Kind:        KindInjection,
		Description: "<<SYS>> tag",
	},
	{
		Regex:       regexp.MustCompile(`<\|(system|user|assistant|im_start|im_end|endoftext)\|>`),
		Kind:        KindInjection,
		Description: "chat template tags",
	},
	{
		Regex:       regexp.MustCompile(`(?i)</?system>`),
		Kind:        KindInjection,
		Description: "<system> tag",
	},

	// Jailbreak phrases
	{
		Regex:       regexp.MustCompile(`(?i)\b(jailbreak|jail\s+break)\b`),
		Kind:        KindJailbreak,
		Description: "jailbreak keyword",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\bDAN\s+(mode|prompt)\b`),
		Kind:        KindJailbreak,
		Description: "DAN jailbreak",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
		Kind:        KindJailbreak,
		Description: "do anything now",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\bdeveloper\s+mode\s+(enabled|on|activated)\b`),
		Kind:        KindJailbreak,
		Description: "developer mode",
	},
	{
		Regex:       regexp.MustCompile(`(?i)\bbypass\s+(your\s+|the\s+)?(filters?|safety|restrictions?|guardrails?)\b`),
		Kind:        KindJailbreak,
		Description: "bypass filters",
	},
}

// DefaultBlockedTopics are rejected as disallowed content.
var DefaultBlockedTopics = []string{
	"violence",
	"illegal activities",
	"self harm",
	"hate speech",
	"explicit content",
	"terrorism",
	"child exploitation",
}

// homoglyphs maps look-alike characters to their ASCII equivalent.
var homoglyphs = map[rune]rune{
	'\u0430': 'a', // Cyrillic а
	'\u0435': 'e', // Cyrillic е
	'\u043E': 'o', // Cyrillic о
	'\u0440': 'p', // Cyrillic р
	'\u0441': 'c', // Cyrillic с
	'\u0445': 'x', // Cyrillic х
	'\u0443': 'y', // Cyrillic у
	'\u0456': 'i', // Cyrillic і
	'\u0391': 'A', // Greek Α
	'\u0392': 'B', // Greek Β
	'\u0395': 'E', // Greek Ε
	'\u0397': 'H', // Greek Η
	'\u0399': 'I', // Greek Ι
	'\u039A': 'K', // Greek Κ
	'\u039C': 'M', // Greek Μ
	'\u039D': 'N', // Greek Ν
	'\u039F': 'O', // Greek Ο
	'\u03A1': 'P', // Greek Ρ
	'\u03A4': 'T', // Greek Τ
	'\u03A7': 'X', // Greek Χ
	'\u03A5': 'Y', // Greek Υ
	'\u0417': 'Z', // Cyrillic З
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', '\u200C', '\u200D', '\uFEFF', '\u00AD', '\u2060':
		return true
	}
	return false
}
