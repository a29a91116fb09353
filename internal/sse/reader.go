// Package sse reads and writes Server-Sent Events.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrEventTooLarge is returned when a single event exceeds the reader limit.
var ErrEventTooLarge = errors.New("sse: event too large")

// defaultMaxEventSize bounds one event's data.
const defaultMaxEventSize = 1 << 20

// Event is one Server-Sent Event.
type Event struct {
	Event string
	Data  string
	ID    string
}

// Reader parses an SSE stream.
type Reader struct {
	reader  *bufio.Reader
	maxSize int
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		reader:  bufio.NewReader(r),
		maxSize: defaultMaxEventSize,
	}
}

// ReadEvent reads the next event. Comment lines are skipped. It returns
// io.EOF when the stream ends on an event boundary and io.ErrUnexpectedEOF
// when it ends inside an event.
func (p *Reader) ReadEvent() (*Event, error) {
	event := &Event{}
	var dataLines []string
	size := 0
	started := false

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line == "" && !started {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 || event.Event != "" {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		started = true

		switch {
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			size += len(data)
			if size > p.maxSize {
				return nil, ErrEventTooLarge
			}
			dataLines = append(dataLines, data)
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimPrefix(strings.TrimPrefix(line, "id:"), " ")
		}
	}
}
