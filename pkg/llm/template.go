package llm

import (
	"strings"
)

const (
	bos      = "<s>"
	eos      = "</s>"
	instOpen = "[INST]"
	instEnd  = "[/INST]"
)

// Render formats the prompt with the Mistral instruction template used by
// text-completion backends:
//
//	<s>[INST] system\n\nuser [/INST] assistant </s><s>[INST] user [/INST]
//
// The system message is folded into the first user instruction. A trailing
// user message is left open for the model to answer.
func (p Prompt) Render() string {
	var (
		b       strings.Builder
		system  string
		pending string
		hasUser bool
		first   = true
	)

	instruction := func(user string) string {
		if first && system != "" {
			first = false
			return system + "\n\n" + user
		}
		first = false
		return user
	}

	for _, m := range p.Messages {
		switch m.Role {
		case RoleSystem:
			system = strings.TrimSpace(m.Content)
		case RoleUser:
			if hasUser {
				// two user turns in a row; close the earlier one without a reply
				b.WriteString(bos + instOpen + " " + instruction(pending) + " " + instEnd + " " + eos)
			}
			pending = m.Content
			hasUser = true
		case RoleAssistant:
			if !hasUser {
				continue
			}
			b.WriteString(bos + instOpen + " " + instruction(pending) + " " + instEnd + " " + m.Content + " " + eos)
			hasUser = false
		}
	}

	if hasUser {
		b.WriteString(bos + instOpen + " " + instruction(pending) + " " + instEnd)
	}
	return b.String()
}
