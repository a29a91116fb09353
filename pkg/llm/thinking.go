package llm

import (
	"errors"
	"io"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// StripThinking wraps s so that <think>...</think> reasoning blocks are
// removed from the streamed text, including tags split across chunks.
// Leading whitespace before the first visible text is dropped as well.
func StripThinking(s Stream) Stream {
	return &thinkingStream{Stream: s}
}

type thinkingStream struct {
	Stream
	inThink bool
	pending string
	started bool
	eof     bool
}

func (t *thinkingStream) Recv() (Chunk, error) {
	for {
		if t.eof {
			return Chunk{}, io.EOF
		}
		c, err := t.Stream.Recv()
		if errors.Is(err, io.EOF) {
			t.eof = true
			if !t.inThink && t.pending != "" {
				out := t.visible(t.pending)
				t.pending = ""
				if out != "" {
					return Chunk{Delta: out}, nil
				}
			}
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, err
		}

		c.Delta = t.visible(t.filter(c.Delta))
		if c.Delta == "" && c.FinishReason == "" && c.Tokens == 0 {
			continue
		}
		return c, nil
	}
}

// filter consumes delta and returns the text outside think blocks. A suffix
// that might be the start of a tag is held back until the next chunk.
func (t *thinkingStream) filter(delta string) string {
	buf := t.pending + delta
	t.pending = ""
	var out strings.Builder

	for buf != "" {
		tag := thinkOpen
		if t.inThink {
			tag = thinkClose
		}
		if i := strings.Index(buf, tag); i >= 0 {
			if !t.inThink {
				out.WriteString(buf[:i])
			}
			buf = buf[i+len(tag):]
			t.inThink = !t.inThink
			continue
		}
		keep := partialSuffix(buf, tag)
		if !t.inThink {
			out.WriteString(buf[:len(buf)-keep])
		}
		t.pending = buf[len(buf)-keep:]
		break
	}
	return out.String()
}

func (t *thinkingStream) visible(s string) string {
	if !t.started {
		s = strings.TrimLeft(s, " \t\r\n")
		if s != "" {
			t.started = true
		}
	}
	return s
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	limit := len(tag) - 1
	if limit > len(s) {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
