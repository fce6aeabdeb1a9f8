package claude

import (
	"strings"

	"github.com/tidwall/gjson"
)

// EventKind classifies one unit of streamed output.
type EventKind string

const (
	EventContent EventKind = "content"
	EventError   EventKind = "error"
	EventRawText EventKind = "raw_text"
)

// StreamEvent is a single classified piece of tool output.
type StreamEvent struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text"`
}

// IsData reports whether the event belongs on the data sink. Raw text is
// forwarded as data; only Error events go to the error sink.
func (e StreamEvent) IsData() bool {
	return e.Kind != EventError
}

// StreamParser turns stdout chunks into events and keeps the aggregate
// text for the final result.
//
// Chunks are classified independently. A line split across two chunks is
// seen as two lines.
type StreamParser struct {
	aggregate strings.Builder
}

// NewStreamParser creates an empty parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed appends chunk to the aggregate and returns its events in order.
func (p *StreamParser) Feed(chunk []byte) []StreamEvent {
	text := string(chunk)
	p.aggregate.WriteString(text)

	var events []StreamEvent
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		events = append(events, ClassifyLine(line))
	}
	return events
}

// Output returns everything fed so far.
func (p *StreamParser) Output() string {
	return p.aggregate.String()
}

// Reset clears the aggregate.
func (p *StreamParser) Reset() {
	p.aggregate.Reset()
}

// ClassifyLine decodes one stdout line. Objects whose "type" is "content"
// or "error" become typed events; anything else, including invalid JSON,
// falls back to raw text carrying the line unchanged.
func ClassifyLine(line string) StreamEvent {
	raw := StreamEvent{Kind: EventRawText, Text: line}

	if !gjson.Valid(line) {
		return raw
	}
	parsed := gjson.Parse(line)
	if !parsed.IsObject() {
		return raw
	}

	switch parsed.Get("type").String() {
	case "content":
		return StreamEvent{Kind: EventContent, Text: parsed.Get("content").String()}
	case "error":
		for _, field := range []string{"error", "message", "content"} {
			if value := parsed.Get(field); value.Exists() {
				return StreamEvent{Kind: EventError, Text: value.String()}
			}
		}
		return StreamEvent{Kind: EventError, Text: line}
	default:
		return raw
	}
}

// stderrEvent wraps a stderr chunk. Stderr is not split into lines.
func stderrEvent(chunk []byte) StreamEvent {
	return StreamEvent{Kind: EventError, Text: string(chunk)}
}
