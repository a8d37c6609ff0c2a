package claude

import (
	"bufio"
	"encoding/json"
	"io"
)

// defaultBufferSize bounds a single stream-json line.
const defaultBufferSize = 10 * 1024 * 1024

// Parser reads the CLI's stream-json output.
//
// The channel returned by Parse closes at EOF or on a read error. Blank and
// unparseable lines are skipped.
type Parser struct {
	BufferSize int
}

// NewParser creates a Parser with a 10MB line limit.
func NewParser() *Parser {
	return &Parser{BufferSize: defaultBufferSize}
}

// Parse emits one [Event] per JSON line read from r.
func (p *Parser) Parse(r io.Reader) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		bufSize := p.BufferSize
		if bufSize <= 0 {
			bufSize = defaultBufferSize
		}
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), bufSize)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var raw streamEvent
			if err := json.Unmarshal(line, &raw); err != nil {
				continue
			}
			events <- newEvent(&raw)
		}
	}()

	return events
}

// ParseLine parses a single stream-json line.
func ParseLine(line string) (Event, error) {
	var raw streamEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, err
	}
	return newEvent(&raw), nil
}
