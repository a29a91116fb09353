package safety

import (
	"strings"
	"unicode/utf8"
)

// DefaultOutputWindow is how many trailing bytes of output are rescanned on
// every fragment.
const DefaultOutputWindow = 512

// OutputGuard checks streamed model output fragment by fragment. Each Feed
// rescans a bounded trailing window of the accumulated text, so a pattern
// split across fragments is still caught while the cost per fragment stays
// constant. A guard is used by one stream and is not safe for concurrent use.
type OutputGuard struct {
	filter *Filter
	window int
	tail   string
	cut    bool
	err    error
	text   strings.Builder
}

// NewOutputGuard creates a guard. window <= 0 uses DefaultOutputWindow.
func NewOutputGuard(f *Filter, window int) *OutputGuard {
	if window <= 0 {
		window = DefaultOutputWindow
	}
	return &OutputGuard{filter: f, window: window}
}

// Feed adds delta to the output and returns a *Violation once the trailing
// window matches a rule. After a violation every further call returns it.
func (g *OutputGuard) Feed(delta string) error {
	if g.err != nil {
		return g.err
	}
	g.text.WriteString(delta)

	tail := g.tail + delta
	scan := tail
	if g.cut {
		// keep line-anchored rules from matching at an artificial start
		scan = "~" + tail
	}
	if err := g.filter.Check(scan); err != nil {
		g.err = err
		return err
	}

	if len(tail) > g.window {
		cut := len(tail) - g.window
		// resume on a word boundary so a word suffix cannot match on its own
		for cut < len(tail) && !(utf8.RuneStart(tail[cut]) && isSpace(tail[cut-1])) {
			cut++
		}
		tail = tail[cut:]
		g.cut = true
	}
	g.tail = tail
	return nil
}

// Text returns everything fed so far.
func (g *OutputGuard) Text() string {
	return g.text.String()
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
