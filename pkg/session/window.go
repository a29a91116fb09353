package session

// ApproxTokens estimates the token count of text at four characters per token.
func ApproxTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Window bounds turns to at most maxTurns entries and maxTokens approximate
// tokens. A leading system turn and the summary turn following it are always
// kept, as is the newest turn; other turns are evicted oldest first. Zero
// limits are ignored. The result is a new slice and applying Window to its
// own output changes nothing.
func Window(turns []Turn, maxTurns, maxTokens int) []Turn {
	if len(turns) == 0 {
		return []Turn{}
	}

	pinned := 0
	if turns[0].Role == RoleSystem {
		pinned = 1
		if len(turns) > 2 && turns[1].Role == RoleSystem && turns[1].Summary {
			pinned = 2
		}
	}
	system := turns[:pinned]
	rest := turns[pinned:]

	if maxTurns > 0 {
		keep := maxTurns - len(system)
		if keep < 1 {
			keep = 1
		}
		if len(rest) > keep {
			rest = rest[len(rest)-keep:]
		}
	}

	if maxTokens > 0 {
		budget := maxTokens
		for _, t := range system {
			budget -= ApproxTokens(t.Content)
		}
		start := len(rest)
		for start > 0 {
			cost := ApproxTokens(rest[start-1].Content)
			if start < len(rest) && cost > budget {
				break
			}
			budget -= cost
			start--
		}
		rest = rest[start:]
	}

	out := make([]Turn, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}
