package codec

import (
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
)

var sentinels = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
	[]byte(`{"contextUsagePercentage":`),
}

// Parser decodes the raw upstream byte stream into typed Events (spec §4.D).
// It is not safe for concurrent use by multiple goroutines; one Parser per
// in-flight stream, obtained from the package Pool.
type Parser struct {
	buf             []byte
	haveLastContent bool
	lastContent     string
}

func newParser() *Parser {
	return &Parser{buf: make([]byte, 0, 4096)}
}

func (p *Parser) reset() {
	p.buf = p.buf[:0]
	p.haveLastContent = false
	p.lastContent = ""
}

// Feed appends chunk to the rolling buffer and returns every event fully
// decoded so far. Incomplete trailing data is retained for the next call.
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		start, sentinelIdx := earliestSentinel(p.buf)
		if start < 0 {
			return events, nil
		}
		if start > 0 {
			// Framing bytes ahead of the first recognized object; drop them.
			p.buf = p.buf[start:]
		}

		end, ok := matchBrace(p.buf)
		if !ok {
			// Incomplete object; wait for more bytes.
			return events, nil
		}

		obj := p.buf[:end+1]
		ev, err := classify(obj)
		if err != nil {
			return events, fmt.Errorf("classify object (sentinel %d): %w", sentinelIdx, err)
		}
		if ev != nil {
			if ev.Kind == EventContentDelta {
				if p.haveLastContent && p.lastContent == ev.Text {
					// Adjacent duplicate content suppressed (spec §4.D, open
					// question i): preserve the behavior, drop the event.
					slog.Debug("suppressed adjacent duplicate content delta", "length", len(ev.Text))
					ev = nil
				} else {
					p.haveLastContent = true
					p.lastContent = ev.Text
				}
			}
		}
		if ev != nil {
			events = append(events, *ev)
		}

		p.buf = p.buf[end+1:]
	}
}

// earliestSentinel returns the byte offset and which sentinel matched first,
// or (-1, -1) if none of the five sentinels appear in buf.
func earliestSentinel(buf []byte) (int, int) {
	best, bestIdx := -1, -1
	for i, s := range sentinels {
		if off := indexOf(buf, s); off >= 0 && (best < 0 || off < best) {
			best, bestIdx = off, i
		}
	}
	return best, bestIdx
}

func indexOf(buf, sub []byte) int {
	n, m := len(buf), len(sub)
	if m == 0 || m > n {
		return -1
	}
outer:
	for i := 0; i <= n-m; i++ {
		for j := 0; j < m; j++ {
			if buf[i+j] != sub[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

// matchBrace brace-matches buf[0] (assumed '{') with string/escape
// awareness, returning the index of the matching '}' or false if buf ends
// before the object closes.
func matchBrace(buf []byte) (int, bool) {
	if len(buf) == 0 || buf[0] != '{' {
		return 0, false
	}
	depth := 0
	inString := false
	escaped := false
	for i, b := range buf {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// classify decodes one complete JSON object into an Event per the field
// combinations spec §4.D enumerates. Returns a nil Event for objects that
// carry no client-visible signal: empty content, content carrying a
// followupPrompt field, or any field combination not listed below.
func classify(obj []byte) (*Event, error) {
	if !gjson.ValidBytes(obj) {
		return nil, fmt.Errorf("invalid json object: %s", truncate(obj, 120))
	}
	parsed := gjson.ParseBytes(obj)

	name := parsed.Get("name")
	toolUseID := parsed.Get("toolUseId")
	input := parsed.Get("input")
	stop := parsed.Get("stop")
	content := parsed.Get("content")
	contextPct := parsed.Get("contextUsagePercentage")

	switch {
	case name.Exists() && toolUseID.Exists():
		ev := &Event{
			Kind:      EventToolCallStart,
			ToolUseID: toolUseID.String(),
			ToolName:  name.String(),
		}
		if input.Exists() {
			ev.InputDelta = input.Raw
		}
		if stop.Exists() && stop.Bool() {
			ev.StopOnStart = true
		}
		return ev, nil

	case input.Exists() && !name.Exists():
		return &Event{Kind: EventToolCallDelta, InputDelta: input.Raw}, nil

	case stop.Exists() && !name.Exists() && !input.Exists():
		return &Event{Kind: EventToolCallStop}, nil

	case contextPct.Exists():
		return &Event{Kind: EventTelemetry, ContextUsagePercentage: contextPct.Float()}, nil

	case content.Exists() && content.String() != "" && !parsed.Get("followupPrompt").Exists():
		return &Event{Kind: EventContentDelta, Text: content.String()}, nil

	default:
		return nil, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
